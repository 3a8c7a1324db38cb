package core

import (
	"context"
	"sync"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// AsyncClient provides asynchronous memory operations.
//
// It wraps the synchronous Client and runs each operation in its own
// goroutine, so an orchestration layer can start building the next context
// while a turn is still being recorded for another session.
//
// All async methods return a channel that receives exactly one result and is
// then closed. Wait blocks until every started operation has finished.
//
// Operations on the same session keep their ordering guarantees only when
// the caller waits for one result before starting the next.
//
// Example:
//
//	asyncClient, _ := core.NewAsyncClient(config)
//	defer asyncClient.Close()
//
//	res := <-asyncClient.RecordMessageAsync(ctx, sessionID, model.RoleUser, "Mom slept badly again")
//	if res.Error != nil {
//	    log.Fatal(res.Error)
//	}
//	ctxRes := <-asyncClient.BuildContextAsync(ctx, sessionID, 2000, core.WithExcludeMessage(res.Message.ID))
type AsyncClient struct {
	*Client
	wg sync.WaitGroup
}

// NewAsyncClient creates a new asynchronous client.
func NewAsyncClient(cfg *Config, opts ...ClientOption) (*AsyncClient, error) {
	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}

	return &AsyncClient{
		Client: client,
	}, nil
}

// MessageResult contains the result of an asynchronous RecordMessage.
type MessageResult struct {
	// Message is the persisted message (nil if error occurred).
	Message *model.Message

	Error error
}

// ContextResult contains the result of an asynchronous BuildContext.
type ContextResult struct {
	// Context is the assembled context. It may be set together with Error
	// when every source failed.
	Context *model.MemoryContext

	Error error
}

// PinResult contains the result of an asynchronous AddPin.
type PinResult struct {
	Pin   *model.SemanticPin
	Error error
}

// SummaryResult contains the result of an asynchronous Summarize.
type SummaryResult struct {
	// Summary is nil when nothing was due.
	Summary *model.ConversationSummary

	Error error
}

// RecordMessageAsync records a message asynchronously.
func (ac *AsyncClient) RecordMessageAsync(ctx context.Context, sessionID string, role model.Role, content string, opts ...RecordOption) <-chan *MessageResult {
	resultChan := make(chan *MessageResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		msg, err := ac.RecordMessage(ctx, sessionID, role, content, opts...)
		resultChan <- &MessageResult{
			Message: msg,
			Error:   err,
		}
		close(resultChan)
	}()

	return resultChan
}

// BuildContextAsync assembles a memory context asynchronously.
func (ac *AsyncClient) BuildContextAsync(ctx context.Context, sessionID string, maxTokens int, opts ...BuildOption) <-chan *ContextResult {
	resultChan := make(chan *ContextResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		mc, err := ac.BuildContext(ctx, sessionID, maxTokens, opts...)
		resultChan <- &ContextResult{
			Context: mc,
			Error:   err,
		}
		close(resultChan)
	}()

	return resultChan
}

// AddPinAsync adds a semantic pin asynchronously.
func (ac *AsyncClient) AddPinAsync(ctx context.Context, sessionID, content string, opts ...PinOption) <-chan *PinResult {
	resultChan := make(chan *PinResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		pin, err := ac.AddPin(ctx, sessionID, content, opts...)
		resultChan <- &PinResult{
			Pin:   pin,
			Error: err,
		}
		close(resultChan)
	}()

	return resultChan
}

// SummarizeAsync runs the summarization check asynchronously.
func (ac *AsyncClient) SummarizeAsync(ctx context.Context, sessionID string) <-chan *SummaryResult {
	resultChan := make(chan *SummaryResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		summary, err := ac.Summarize(ctx, sessionID)
		resultChan <- &SummaryResult{
			Summary: summary,
			Error:   err,
		}
		close(resultChan)
	}()

	return resultChan
}

// Wait waits for all asynchronous operations, including background
// summaries, to complete.
func (ac *AsyncClient) Wait() {
	ac.wg.Wait()
	ac.Client.Wait()
}

// Close closes the asynchronous client.
//
// It first waits for all asynchronous operations to complete, then closes the underlying client.
func (ac *AsyncClient) Close() error {
	ac.wg.Wait()
	return ac.Client.Close()
}
