// Package directory implements the surrounding, non-core message family:
// session registration, username availability, image storage, listing,
// and viewing. None of it touches internal/cluster's load, coordinator, or
// election state (spec.md §6) — it is a thin key-to-list store, grounded on
// original_source/src/messages.rs's SendImage/QueryReceivedImages/ViewImage
// variants.
package directory

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"cloudnode/internal/debuglog"
	"cloudnode/internal/proto"
)

// StoredImage is one delivered-but-not-yet-exhausted image, held per
// recipient username (spec.md §3's StoredImage).
type StoredImage struct {
	ImageID         string
	FromUsername    string
	EncryptedBytes  []byte
	RemainingViews  int
	MaxViews        int
	TimestampUnixMS int64
}

// Sender delivers a reply to the client that sent the original message.
type Sender interface {
	Send(ctx context.Context, addr *net.UDPAddr, payload []byte) error
}

// Directory is a mutex-protected key-to-list store; the core never
// inspects the bytes it holds.
type Directory struct {
	sender Sender

	mu        sync.Mutex
	usernames map[string]bool
	images    map[string][]*StoredImage // keyed by recipient username
	nextID    uint64
}

func New(sender Sender) *Directory {
	return &Directory{
		sender:    sender,
		usernames: make(map[string]bool),
		images:    make(map[string][]*StoredImage),
	}
}

// HandleMessage dispatches one directory-family message. It is the
// callback internal/router hands off to for every message type the core
// (cluster/control/pipeline) doesn't own.
func (d *Directory) HandleMessage(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	switch msg.Type {
	case proto.TypeSessionRegister:
		d.handleSessionRegister(ctx, from, msg)
	case proto.TypeCheckUsername:
		d.handleCheckUsername(ctx, from, msg)
	case proto.TypeSendImage:
		d.handleSendImage(ctx, from, msg)
	case proto.TypeListImages:
		d.handleListImages(ctx, from, msg)
	case proto.TypeViewImageRequest:
		d.handleViewImage(ctx, from, msg)
	default:
		debuglog.Debugf("directory: unhandled message type %s from %s", msg.Type, from)
	}
}

func (d *Directory) reply(ctx context.Context, to *net.UDPAddr, msg proto.Message) {
	payload, err := proto.Encode(msg)
	if err != nil {
		debuglog.Debugf("directory: failed to encode reply %s: %v", msg.Type, err)
		return
	}
	if err := d.sender.Send(ctx, to, payload); err != nil {
		debuglog.Debugf("directory: failed to send reply to %s: %v", to, err)
	}
}

func (d *Directory) handleSessionRegister(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	d.mu.Lock()
	d.usernames[msg.Username] = true
	d.mu.Unlock()
	d.reply(ctx, from, proto.Message{Type: proto.TypeSessionRegisterAck, Username: msg.Username, Success: true})
}

func (d *Directory) handleCheckUsername(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	d.mu.Lock()
	_, taken := d.usernames[msg.Username]
	d.mu.Unlock()
	d.reply(ctx, from, proto.Message{
		Type:        proto.TypeCheckUsernameAck,
		Username:    msg.Username,
		IsAvailable: !taken,
	})
}

func (d *Directory) handleSendImage(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	d.mu.Lock()
	imageID := msg.ImageID
	if imageID == "" {
		d.nextID++
		imageID = "img-" + strconv.FormatUint(d.nextID, 10)
	}
	stored := &StoredImage{
		ImageID:         imageID,
		FromUsername:    msg.Username,
		EncryptedBytes:  msg.EncryptedBytes,
		RemainingViews:  msg.MaxViews,
		MaxViews:        msg.MaxViews,
		TimestampUnixMS: time.Now().UnixMilli(),
	}
	for _, to := range msg.ToUsernames {
		d.images[to] = append(d.images[to], stored)
	}
	d.mu.Unlock()

	d.reply(ctx, from, proto.Message{Type: proto.TypeSendImageAck, ImageID: imageID, Success: true})
}

func (d *Directory) handleListImages(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	d.mu.Lock()
	stored := d.images[msg.Username]
	infos := make([]proto.ReceivedImageInfo, 0, len(stored))
	for _, s := range stored {
		if s.RemainingViews <= 0 {
			continue
		}
		infos = append(infos, proto.ReceivedImageInfo{
			ImageID:         s.ImageID,
			FromUsername:    s.FromUsername,
			RemainingViews:  s.RemainingViews,
			TimestampUnixMS: s.TimestampUnixMS,
		})
	}
	d.mu.Unlock()

	d.reply(ctx, from, proto.Message{Type: proto.TypeListImagesAck, Username: msg.Username, Images: infos})
}

func (d *Directory) handleViewImage(ctx context.Context, from *net.UDPAddr, msg proto.Message) {
	d.mu.Lock()
	var found *StoredImage
	for _, s := range d.images[msg.Username] {
		if s.ImageID == msg.ImageID {
			found = s
			break
		}
	}
	var (
		success bool
		errMsg  string
		bytes   []byte
		remain  int
	)
	switch {
	case found == nil:
		errMsg = "image not found"
	case found.RemainingViews <= 0:
		errMsg = "view quota exhausted"
	default:
		found.RemainingViews--
		success = true
		bytes = found.EncryptedBytes
		remain = found.RemainingViews
	}
	d.mu.Unlock()

	d.reply(ctx, from, proto.Message{
		Type:           proto.TypeViewImageResponse,
		Username:       msg.Username,
		ImageID:        msg.ImageID,
		Success:        success,
		Error:          errMsg,
		EncryptedBytes: bytes,
		RemainingViews: remain,
	})
}
