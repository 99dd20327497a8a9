package ha

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultIOStopGrace bounds how long stopped I/O may take to report
const DefaultIOStopGrace = 2 * time.Minute

// ioTasks owns the workloads started for one phase. Outputs are appended by
// the workload goroutines and only read after they have all been joined.
type ioTasks struct {
	cancel     context.CancelFunc
	group      errgroup.Group
	generators []IOGenerator

	mu      sync.Mutex
	outputs []string
}

func startIO(ctx context.Context, generators []IOGenerator) *ioTasks {
	ioCtx, cancel := context.WithCancel(ctx)
	t := &ioTasks{cancel: cancel, generators: generators}

	log.Infof("Starting IO execution on %d initiators", len(generators))
	for _, gen := range generators {
		gen := gen
		t.group.Go(func() error {
			out, err := gen.RunIO(ioCtx)
			if out != "" {
				t.mu.Lock()
				t.outputs = append(t.outputs, out)
				t.mu.Unlock()
			}
			if err != nil && ioCtx.Err() == nil {
				return errors.Wrapf(err, "[ %s ] IO execution failed", gen)
			}
			return nil
		})
	}
	return t
}

// shutdown asks every workload to stop and waits for them. Workloads still
// running after grace are cancelled. It runs on its own context so that it
// also cleans up after a cancelled run.
func (t *ioTasks) shutdown(grace time.Duration) ([]string, error) {
	defer t.cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	log.Infof("Waiting for completion of IOs")
	var errs error
	for _, gen := range t.generators {
		if err := gen.StopIO(stopCtx); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "[ %s ] failed to stop IO", gen))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- t.group.Wait()
	}()
	select {
	case err := <-done:
		errs = multierr.Append(errs, err)
	case <-stopCtx.Done():
		log.Warnf("IO did not stop within %v, cancelling it", grace)
		t.cancel()
		errs = multierr.Append(errs, <-done)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.outputs...), errs
}

// ConnectAll connects every generator that needs it to the gateways
func ConnectAll(ctx context.Context, generators []IOGenerator) error {
	var g errgroup.Group
	for _, gen := range generators {
		c, ok := gen.(Connector)
		if !ok {
			continue
		}
		g.Go(func() error {
			return c.Connect(ctx)
		})
	}
	return g.Wait()
}

// RunWithIO runs fn while every generator runs I/O, starting it kickIn after
// the I/O. I/O is always shut down, within grace (DefaultIOStopGrace when zero).
// I/O failures are logged and never replace the error of fn. The fio reports
// collected at shutdown are returned.
func RunWithIO(ctx context.Context, generators []IOGenerator, kickIn, grace time.Duration, fn func() error) ([]string, error) {
	if grace == 0 {
		grace = DefaultIOStopGrace
	}
	tasks := startIO(ctx, generators)

	err := sleepCtx(ctx, kickIn)
	if err == nil {
		err = fn()
	}

	outputs, ioErr := tasks.shutdown(grace)
	if ioErr != nil {
		log.Errorf("FIO execution failed: %v", ioErr)
	}
	return outputs, err
}
