package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name string
	resp *Response
	err  error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(_ context.Context, _ Request) (*Response, error) {
	return p.resp, p.err
}

func TestCompleteFallsBack(t *testing.T) {
	c := New([]Provider{
		&fakeProvider{name: "first", err: &ProviderError{Provider: "first", Err: ErrRateLimited}},
		&fakeProvider{name: "second", resp: &Response{Provider: "second", Content: "ok"}},
	})

	resp, err := c.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Provider != "second" || resp.Content != "ok" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCompleteAllFail(t *testing.T) {
	wantErr := &ProviderError{Provider: "only", Err: ErrNoAPIKey}
	c := New([]Provider{&fakeProvider{name: "only", err: wantErr}})

	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err = %v, want last provider error", err)
	}
}

func TestCompleteNoProviders(t *testing.T) {
	c := New(nil)
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestCompleteWithUnknownProvider(t *testing.T) {
	c := New(nil)
	_, err := c.CompleteWith(context.Background(), "ghost", Request{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
}
