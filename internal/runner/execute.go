// Package runner implements request execution: driving a region's request through a
// transport [Client] with the document and region hooks around it, repeating it, merging
// what came back, and running the regions of a document in order.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/variable"
	"golang.org/x/sync/errgroup"
)

// ClientVariable is the name under which the client of an exchange in progress is
// visible to variable lookups. Repetitions running in parallel share it, hook entries
// wanting the client of their own exchange use [ClientFrom].
const ClientVariable = "$client"

// ResponseVariable is the name of the variable holding the latest response.
const ResponseVariable = "response"

// phases are the document and region request hooks merged for one execution.
type phases struct {
	onRequest   *hook.Series[document.RequestEvent, hook.Void]
	onStreaming *hook.Series[*document.ProcessorContext, hook.Void]
	onResponse  *hook.Series[document.ResponseEvent, hook.Void]
}

// phasesFor merges the document hooks with those of the region being executed, the
// document entries run first.
func phasesFor(pc *document.ProcessorContext) phases {
	doc, region := pc.Document.Hooks, pc.Region.Hooks

	return phases{
		onRequest:   doc.OnRequest.Merge(region.OnRequest),
		onStreaming: doc.OnStreaming.Merge(region.OnStreaming),
		onResponse:  doc.OnResponse.Merge(region.OnResponse),
	}
}

// Execute drives the request of pc's region through a client built by factory, reporting
// whether the region completed.
//
// The request is repeated according to the region's repeat policy (main executions only),
// every response produced is merged into one, and that response is passed to the on-response
// hooks before being attached to the region. A Cancel from any hook, or a canceled connect,
// stops the region without an error.
//
// Transport plugins install it as the region's execute entry:
//
//	region.Hooks.Execute.Add(document.IDRequest, func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
//		return runner.Execute(ctx, pc, factory)
//	})
func Execute(ctx context.Context, pc *document.ProcessorContext, factory Factory) (bool, error) {
	region := pc.Region
	if region.Request == nil {
		return true, nil
	}

	phases := phasesFor(pc)

	responses, ok, err := repeat(ctx, repeatFor(pc), func(ctx context.Context) ([]*document.Response, bool, error) {
		return exchangeOnce(ctx, pc, phases, factory)
	})
	if err != nil {
		return false, err
	}

	if !ok {
		pc.Logger.Debug("request did not complete", "region", region.Name())
		return false, nil
	}

	response := Merge(responses)
	if response == nil {
		pc.Logger.Debug("no response", "region", region.Name())
		return false, nil
	}

	result, err := phases.onResponse.Trigger(ctx, document.ResponseEvent{Response: response, Context: pc})
	if err != nil {
		return false, fmt.Errorf("on response: %w", err)
	}

	if result.Canceled {
		pc.Logger.Debug("response discarded", "region", region.Name())
		return false, nil
	}

	region.SetResponse(response)

	pc.Variables.Set(ResponseVariable, response)
	if name := region.Metadata["name"]; name != "" {
		pc.Variables.Set(name, response)
	}

	return true, nil
}

// exchangeOnce is a single connect, send and (for streaming clients) stream of the request.
//
// The client is disconnected exactly once whatever happens, with the error that ended the
// exchange if there was one.
func exchangeOnce(ctx context.Context, pc *document.ProcessorContext, phases phases, factory Factory) (responses []*document.Response, completed bool, err error) {
	request, ok, err := variable.ReplaceRequest(ctx, pc, pc.Region.Request)
	if err != nil || !ok {
		return nil, false, err
	}

	client, err := factory(ctx, request, pc)
	if err != nil {
		return nil, false, fmt.Errorf("could not create client for %s: %w", pc.Region.Name(), err)
	}

	var once sync.Once
	disconnect := func(reason error) {
		once.Do(func() { client.Disconnect(reason) })
	}

	ctx = context.WithValue(ctx, clientKey{}, client)

	pc.Variables.Set(ClientVariable, client)
	stop := context.AfterFunc(ctx, func() { disconnect(context.Cause(ctx)) })

	defer func() {
		stop()
		pc.Variables.Delete(ClientVariable)
		disconnect(err)
	}()

	var (
		messages []*document.Response
		mu       sync.Mutex
	)

	listeners := []int{
		client.On(EventMessage, func(event Event) {
			if event.Response == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			messages = append(messages, event.Response)
		}),
		client.On(EventProgress, func(event Event) {
			pc.Report(client.ReportMessage(), event.Percent)
		}),
		client.On(EventMetaData, func(event Event) {
			pc.Logger.Debug("meta data", "region", pc.Region.Name(), "kind", event.Name)
		}),
	}

	defer func() {
		for _, id := range listeners {
			client.Off(id)
		}
	}()

	result, err := phases.onRequest.Trigger(ctx, document.RequestEvent{Request: request, Context: pc})
	if err != nil {
		return nil, false, fmt.Errorf("on request: %w", err)
	}

	if result.Canceled {
		pc.Logger.Debug("request canceled before sending", "region", pc.Region.Name())
		return nil, false, nil
	}

	var (
		direct   []*document.Response
		canceled atomic.Bool
	)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		response, err := client.Connect(gctx)
		if gctx.Err() != nil {
			canceled.Store(true)
			return nil
		}

		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		if response != nil {
			direct = append(direct, response)
		}

		response, err = client.Send(gctx, request.Body)
		if gctx.Err() != nil {
			canceled.Store(true)
			return nil
		}

		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		if response != nil {
			direct = append(direct, response)
		}

		return nil
	})

	// Without streaming entries nothing decides when the stream is over, the messages
	// received by the time Send returns are all there is
	if client.SupportsStreaming() && phases.onStreaming.Len() > 0 {
		group.Go(func() error {
			result, err := phases.onStreaming.Trigger(gctx, pc)
			if err != nil {
				return fmt.Errorf("streaming: %w", err)
			}

			if result.Canceled {
				canceled.Store(true)
			}

			disconnect(nil)

			return nil
		})
	}

	if err = group.Wait(); err != nil {
		return nil, false, err
	}

	if canceled.Load() {
		return nil, false, nil
	}

	mu.Lock()
	defer mu.Unlock()

	return append(direct, messages...), true, nil
}
