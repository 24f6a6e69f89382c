// Package mock is the development transport: configurable outcome rates and
// simulated latency, with error texts that exercise both sides of the retry
// classifier.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"sms-gateway/internal/transport"
)

type Provider struct {
	name         string
	successRate  float64
	tempFailRate float64
	latency      time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProvider(successRate, tempFailRate, permFailRate float64, latencyMs int) *Provider {
	_ = permFailRate // anything past success+temp is a permanent failure
	return &Provider{
		name:         "mock",
		successRate:  successRate,
		tempFailRate: tempFailRate,
		latency:      time.Duration(latencyMs) * time.Millisecond,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Send(ctx context.Context, recipient, content string) (*transport.Result, error) {
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return nil, errors.New("send timeout")
	}

	p.mu.Lock()
	r := p.rng.Float64()
	p.mu.Unlock()

	switch {
	case r < p.successRate:
		return &transport.Result{
			ProviderMessageID: fmt.Sprintf("mock_%d", time.Now().UnixNano()),
		}, nil
	case r < p.successRate+p.tempFailRate:
		return nil, errors.New("temporary network error")
	default:
		return nil, errors.New("invalid phone number")
	}
}
