// Package transport defines the two transports econn/ecall speak over
// (§5, §6): the backend relay (always available, carries SETUP/UPDATE/
// CANCEL/ALERT/REJECT and, before the data channel is up, PROPSYNC/HANGUP
// too) and the per-call data channel (established by the media flow, carries
// PROPSYNC/HANGUP once up). Grounded on the teacher's call.Signaler
// interface (internal/call/types.go), generalized from a single
// "Send+Subscribe" surface into the spec's two-transport split.
package transport

import (
	"context"

	"github.com/avscall/callcore/internal/codec"
)

// Backend is the application-facing relay transport (§6): "the carrier
// that delivers opaque signaling blobs to the peer by user+client id".
// Empty dest fields mean broadcast to the conversation.
type Backend interface {
	Send(ctx context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) (int, error)
}

// BackendFunc adapts a plain function to Backend.
type BackendFunc func(ctx context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) (int, error)

func (f BackendFunc) Send(ctx context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) (int, error) {
	return f(ctx, convid, self, dest, data, transient)
}

// DataChannel is the shape of the per-call in-band channel. Ecall does not
// use this type: once the econn has reached DATACHAN_ESTABLISHED it sends
// in-band through mediaflow.Flow.DCSend (§4.3).
type DataChannel interface {
	Send(data []byte) error
}

// DataChannelFunc adapts a plain function to DataChannel.
type DataChannelFunc func(data []byte) error

func (f DataChannelFunc) Send(data []byte) error { return f(data) }

// RespStatus is the status code a backend relay reports back for a Send
// (§6 "Response delivery uses resp(instance, status, reason, ctx)").
type RespStatus int

const (
	RespOK RespStatus = iota
	RespFailed
)

// RespHandler is invoked asynchronously with the outcome of a prior Send,
// correlated by the ctx value that was passed alongside it. An unknown ctx
// is logged and dropped by the caller, not here — this type only carries
// the callback shape.
type RespHandler func(status RespStatus, reason string, ctx any)
