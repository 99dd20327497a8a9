package ha

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/portworx/nvmeof-ha/pkg/controlplane"
	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultSamples          = 3
	defaultSampleInterval   = 3 * time.Second
	defaultAttempts         = 7
	defaultRetryDelay       = 2 * time.Second
	defaultSampleWorkers    = 8
	defaultQueriesPerSecond = 10
)

// IOSample is one usage reading of a namespace
type IOSample struct {
	Namespace string
	UsedBytes uint64
	Timestamp time.Time
}

// IOValidatorOptions tune the I/O progress validation. Zero values use the defaults.
type IOValidatorOptions struct {
	// Samples is the number of readings per namespace, at least two to see a trend
	Samples int
	// SampleInterval is the time between two readings
	SampleInterval time.Duration
	// Attempts bounds how many times the whole validation runs
	Attempts int
	// RetryDelay is the pause between two attempts
	RetryDelay time.Duration
	// Workers bounds the namespaces sampled in parallel
	Workers int
	// QueriesPerSecond paces the usage queries sent to the cluster
	QueriesPerSecond float64
}

// IOValidator checks client I/O makes forward progress on a set of namespaces
type IOValidator struct {
	usage   UsageReader
	opts    IOValidatorOptions
	limiter *rate.Limiter
}

// NewIOValidator returns a validator reading usage from usage
func NewIOValidator(usage UsageReader, opts IOValidatorOptions) *IOValidator {
	if opts.Samples <= 0 {
		opts.Samples = defaultSamples
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = defaultSampleInterval
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultSampleWorkers
	}
	if opts.QueriesPerSecond <= 0 {
		opts.QueriesPerSecond = defaultQueriesPerSecond
	}
	return &IOValidator{
		usage:   usage,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), opts.Workers),
	}
}

// Options returns the effective options
func (v *IOValidator) Options() IOValidatorOptions {
	return v.opts
}

// ValidateProgress samples every namespace concurrently and checks the usage
// series strictly increases. With negative set, any increase is the failure.
// Stalled or unexpected progress is retried as a whole up to Attempts times;
// telemetry errors are returned at once.
func (v *IOValidator) ValidateProgress(ctx context.Context, namespaces []controlplane.Namespace, negative bool) error {
	if len(namespaces) == 0 {
		log.Warnf("No namespaces to validate IO on")
		return nil
	}

	err := retry.Do(
		func() error {
			return v.validate(ctx, namespaces, negative)
		},
		retry.Context(ctx),
		retry.Attempts(uint(v.opts.Attempts)),
		retry.Delay(v.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isProgressError),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warnf("IO validation attempt %d failed: %v", attempt+1, err)
		}),
	)
	metrics.IncIOValidation(negative, err)
	return err
}

func isProgressError(err error) bool {
	var stalled *tperrors.ErrIOStalled
	var progress *tperrors.ErrIOProgress
	return errors.As(err, &stalled) || errors.As(err, &progress)
}

func (v *IOValidator) validate(ctx context.Context, namespaces []controlplane.Namespace, negative bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for _, ns := range namespaces {
		ns := ns
		g.Go(func() error {
			samples, err := v.sample(gctx, ns)
			if err != nil {
				return err
			}
			return checkSeries(ns.Key(), samples, negative)
		})
	}
	return g.Wait()
}

func (v *IOValidator) sample(ctx context.Context, ns controlplane.Namespace) ([]IOSample, error) {
	samples := make([]IOSample, 0, v.opts.Samples)
	for i := 0; i < v.opts.Samples; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, v.opts.SampleInterval); err != nil {
				return nil, err
			}
		}
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		used, err := v.usage.ReadUsage(ctx, ns.Pool, ns.Image)
		if err != nil {
			return nil, err
		}
		samples = append(samples, IOSample{Namespace: ns.Key(), UsedBytes: used, Timestamp: time.Now()})
	}
	return samples, nil
}

func checkSeries(key string, samples []IOSample, negative bool) error {
	values := make([]uint64, len(samples))
	for i, s := range samples {
		values[i] = s.UsedBytes
	}

	for i := 1; i < len(values); i++ {
		increased := values[i] > values[i-1]
		if negative && increased {
			return &tperrors.ErrIOProgress{Namespace: key, Samples: values}
		}
		if !negative && !increased {
			return &tperrors.ErrIOStalled{Namespace: key, Samples: values}
		}
	}

	if negative {
		log.Infof("[ %s ] IO is blocked as expected - %v", key, values)
	} else {
		log.Infof("[ %s ] IO is progressing - %v", key, values)
	}
	return nil
}
