// Package transport defines the outbound messaging boundary.
//
// The engine treats "send a message, possibly with media, to an address" as a
// primitive supplied by an adapter. Delivery acknowledgments arrive
// asynchronously as Ack events on the event bus.
package transport

import (
	"context"
	"strings"
	"unicode"
)

// AddressSuffix is appended to normalized phone numbers to form a routable
// destination address.
const AddressSuffix = "@c.us"

// Ack status levels, lowest to highest.
const (
	AckError   = -1
	AckPending = 0
	AckServer  = 1
	AckDevice  = 2
	AckRead    = 3
)

// Delivery identifies one dispatched message.
type Delivery struct {
	// ID is the transport's delivery identifier, unique per message.
	ID string
	// Ack is the initial acknowledgment code at send time.
	Ack int
}

// Ack is an asynchronous delivery-status update for a previously sent message.
type Ack struct {
	DeliveryID string
	Code       int
}

// SendOptions tune a single send.
type SendOptions struct {
	// Caption attaches text to a media message. Ignored for plain text sends.
	Caption string
}

// Client is the dispatch primitive.
//
// Both methods return as soon as the message is handed to the messaging
// service; later status changes are published as eventbus TypeAck events.
type Client interface {
	SendText(ctx context.Context, address, text string) (Delivery, error)
	SendMedia(ctx context.Context, address, filePath string, opt *SendOptions) (Delivery, error)
}

// NormalizeAddress strips everything but digits from a phone number and
// appends the address suffix. An already-suffixed address passes through.
func NormalizeAddress(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasSuffix(phone, AddressSuffix) {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String() + AddressSuffix
}
