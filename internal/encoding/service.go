package encoding

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/samcharles93/bergman/internal/logger"
	"github.com/samcharles93/bergman/internal/rgma"
)

// Service runs an Encoder on behalf of the CLI and the HTTP server.
type Service struct {
	enc     *rgma.Encoder
	workers int
}

// NewService wraps enc.  workers bounds EncodeAll's parallelism; values
// below one select GOMAXPROCS.
func NewService(enc *rgma.Encoder, workers int) *Service {
	return &Service{enc: enc, workers: workersFor(workers)}
}

func workersFor(n int) int {
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	return max(n, 1)
}

// Encoder returns the wrapped encoder.
func (s *Service) Encoder() *rgma.Encoder { return s.enc }

// Config returns the encoder configuration.
func (s *Service) Config() rgma.Config { return s.enc.Config() }

// Encode runs one evaluation pass and logs every empty-sequence warning.
func (s *Service) Encode(ctx context.Context, buf *rgma.HiddenStateBuffer) (*rgma.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.enc.Encode(buf)
	if err != nil {
		return nil, err
	}
	if len(out.Warnings) > 0 {
		log := logger.FromContext(ctx)
		for _, w := range out.Warnings {
			log.Warn("empty sequence summarised as zero vector", "batch", w.Batch, "layer", w.Layer)
		}
	}
	return out, nil
}

type encodeTask struct {
	idx int
	buf *rgma.HiddenStateBuffer
}

type encodeDone struct {
	idx int
	out *rgma.EncoderOutput
	err error
}

// EncodeAll encodes bufs on a bounded pool of workers and returns the
// outputs in input order.  It stops handing out work once ctx is done or an
// item fails, and reports the failure with the lowest input index.
func (s *Service) EncodeAll(ctx context.Context, bufs []*rgma.HiddenStateBuffer) ([]*rgma.EncoderOutput, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := min(s.workers, len(bufs))
	tasks := make(chan encodeTask)
	done := make(chan encodeDone, len(bufs))
	for range workers {
		go func() {
			for t := range tasks {
				out, err := s.Encode(ctx, t.buf)
				if err != nil {
					cancel()
				}
				done <- encodeDone{idx: t.idx, out: out, err: err}
			}
		}()
	}

	sent := 0
feed:
	for i, b := range bufs {
		select {
		case tasks <- encodeTask{idx: i, buf: b}:
			sent++
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)

	outs := make([]*rgma.EncoderOutput, len(bufs))
	var (
		first    error
		firstIdx int
	)
	for range sent {
		d := <-done
		if d.err != nil {
			if errors.Is(d.err, context.Canceled) && parent.Err() == nil {
				// Stopped because another input failed.
				continue
			}
			if first == nil || d.idx < firstIdx {
				first, firstIdx = fmt.Errorf("input %d: %w", d.idx, d.err), d.idx
			}
			continue
		}
		outs[d.idx] = d.out
	}
	if first != nil {
		return nil, first
	}
	if sent < len(bufs) {
		return nil, parent.Err()
	}
	return outs, nil
}
