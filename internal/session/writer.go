package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/panjf2000/ants/v2"

	"hlsfetch/internal/cache"
	"hlsfetch/internal/key"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/m3u8"
	"hlsfetch/internal/models"
	"hlsfetch/internal/transport"
)

// result is a plan in flight. done is closed once the fetch finished.
type result struct {
	plan    *models.FetchPlan
	done    chan struct{}
	mapData []byte
	data    []byte
	fetched bool
}

// Writer fetches planned segments concurrently and writes them to out in plan order.
type Writer struct {
	transport transport.Transport
	keys      *key.Service
	maps      *cache.Cache
	pool      *ants.Pool
	threads   int
	out       io.Writer
	logger    logger.Logger
}

// NewWriter creates a writer with a pool of threads fetch workers.
func NewWriter(t transport.Transport, keys *key.Service, out io.Writer, threads int, log logger.Logger) (*Writer, error) {
	if threads < 1 {
		threads = 1
	}
	pool, err := ants.NewPool(threads)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch pool: %w", err)
	}
	return &Writer{
		transport: t,
		keys:      keys,
		maps:      cache.New(log, "map"),
		pool:      pool,
		threads:   threads,
		out:       out,
		logger:    log,
	}, nil
}

// Run consumes plans until the channel is closed and drained, or ctx is cancelled.
// Fetches overlap, but writes happen strictly in the order plans were received.
func (w *Writer) Run(ctx context.Context, plans <-chan *models.FetchPlan) error {
	defer w.pool.Release()
	defer func() { w.logger.Debugf("Segment writer stopped, %d maps cached.", w.maps.Len()) }()

	pending := make(chan *result, w.threads)
	go w.dispatch(ctx, plans, pending)

	for res := range pending {
		select {
		case <-res.done:
		case <-ctx.Done():
			return nil
		}
		if err := w.write(ctx, res); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *Writer) dispatch(ctx context.Context, plans <-chan *models.FetchPlan, pending chan<- *result) {
	defer close(pending)
	for {
		var plan *models.FetchPlan
		var ok bool
		select {
		case plan, ok = <-plans:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		res := &result{plan: plan, done: make(chan struct{})}
		task := func() {
			defer close(res.done)
			w.fetch(ctx, res)
		}
		if err := w.pool.Submit(task); err != nil {
			w.logger.Warnf("Fetch pool rejected segment %d: %v", plan.Num(), err)
			task()
		}

		select {
		case pending <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) fetch(ctx context.Context, res *result) {
	plan := res.plan
	num := plan.Num()

	if mp := plan.Map; mp != nil {
		data, loaded, err := w.maps.GetOrLoad(ctx, mp.Identity, func(ctx context.Context) ([]byte, error) {
			if mp.Err != nil {
				return nil, mp.Err
			}
			resp, err := w.transport.Get(ctx, mp.URI, mp.Range)
			if err != nil {
				return nil, err
			}
			return resp.Body, nil
		})
		if err != nil {
			if loaded && ctx.Err() == nil {
				w.logger.Errorf("Failed to fetch map for segment %d: %v", num, err)
			}
		} else {
			res.mapData = data
		}
	}

	if plan.RangeErr != nil {
		w.logger.Errorf("Failed to fetch segment %d: %v", num, plan.RangeErr)
		return
	}

	resp, err := w.transport.Get(ctx, plan.Segment.URI, plan.Range)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Errorf("Failed to fetch segment %d: %v", num, err)
		}
		return
	}
	res.data = resp.Body
	res.fetched = true
}

// write decrypts a fetched segment and its map and writes both to the output.
// Per-segment failures are logged and produce no output.
func (w *Writer) write(ctx context.Context, res *result) error {
	seg := res.plan.Segment
	if seg.Discontinuity {
		w.logger.Warnf("Encountered a stream discontinuity at segment %d. This is unsupported and will result in incoherent output data.", seg.Num)
	}
	if !res.fetched {
		return nil
	}

	var dec *key.Decryptor
	if seg.Key != nil && seg.Key.Method != m3u8.MethodNone {
		var err error
		dec, err = w.keys.Decryptor(ctx, seg.Key, seg.Num)
		if err != nil {
			// already reported once by the key service
			return nil
		}
	}

	mapData := res.mapData
	if dec != nil && mapData != nil {
		plain, err := dec.Decrypt(mapData)
		if err != nil {
			w.logger.Errorf("Error while decrypting map for segment %d: %v", seg.Num, err)
			mapData = nil
		} else {
			mapData = plain
		}
	}

	data := res.data
	if dec != nil {
		plain, err := dec.Decrypt(data)
		if err != nil {
			w.logger.Errorf("Error while decrypting segment %d: %v", seg.Num, err)
			return nil
		}
		data = plain
	}

	if len(mapData) > 0 {
		if _, err := w.out.Write(mapData); err != nil {
			return err
		}
	}
	if _, err := w.out.Write(data); err != nil {
		return err
	}
	w.logger.Debugf("Segment %d complete", seg.Num)
	return nil
}
