package ecall

import (
	"context"

	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/econn"
	"github.com/avscall/callcore/internal/obslog"
)

// dcRoutingSender is the econn.Sender every Ecall actually wires in. It
// implements the §4.1 transport table: PROPSYNC may travel over either
// transport and HANGUP prefers the data channel, but both only once the
// flow has one up (§8 invariant 4); everything else always goes to the
// backend. Grounded on the teacher's original send_handler dispatch
// (try_dce/try_otr by message type) in original_source/src/ecall/ecall.c.
type dcRoutingSender struct {
	ecall   *Ecall
	backend econn.Sender
}

func (s *dcRoutingSender) Send(ctx context.Context, msg codec.Message) error {
	if codec.ExpectedTransport(msg.Type) == codec.TransportBackend {
		return s.backend.Send(ctx, msg)
	}

	s.ecall.mu.Lock()
	flow := s.ecall.flow
	ready := s.ecall.conn.State().DataChannelReady()
	s.ecall.mu.Unlock()

	if ready && flow != nil {
		data, err := codec.Encode(msg)
		if err != nil {
			obslog.For(s.ecall.convid).Warn().Err(err).Str("brief", msg.Brief()).
				Msg("ecall: encode for data-channel send failed, falling back to backend")
			return s.backend.Send(ctx, msg)
		}
		if err := flow.DCSend(data); err != nil {
			obslog.For(s.ecall.convid).Warn().Err(err).Str("brief", msg.Brief()).
				Msg("ecall: data-channel send failed, falling back to backend")
			return s.backend.Send(ctx, msg)
		}
		return nil
	}

	return s.backend.Send(ctx, msg)
}
