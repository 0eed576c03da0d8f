package runner

import (
	"encoding/json"
	"strconv"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/variable"
)

// Summary is the body of a merged response.
type Summary struct {
	StatusCount map[string]int    `json:"statusCount"` // Number of responses per status code
	Responses   []json.RawMessage `json:"responses"`   // Every response, as JSON objects
	Count       int               `json:"count"`       // Number of responses
}

// Merge combines the responses of repeated or streaming executions into one.
//
// A single response is returned as is and no responses gives nil. Otherwise the result
// carries the worst (highest) status code seen with its status message, a JSON [Summary]
// body and timings averaged per dimension over the responses that measured it.
func Merge(responses []*document.Response) *document.Response {
	switch len(responses) {
	case 0:
		return nil
	case 1:
		return responses[0]
	}

	worst := responses[0]
	summary := Summary{
		StatusCount: make(map[string]int),
		Responses:   make([]json.RawMessage, 0, len(responses)),
		Count:       len(responses),
	}

	for _, response := range responses {
		if response.StatusCode > worst.StatusCode {
			worst = response
		}

		summary.StatusCount[strconv.Itoa(response.StatusCode)]++
		summary.Responses = append(summary.Responses, json.RawMessage(variable.Raw(response)))
	}

	body, _ := json.Marshal(summary) // Only maps, slices and ints, cannot fail

	return &document.Response{
		Protocol:      worst.Protocol,
		StatusCode:    worst.StatusCode,
		StatusMessage: worst.StatusMessage,
		ContentType:   "application/json",
		Headers:       []document.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:          body,
		Timings:       averageTimings(responses),
		Meta:          map[string]any{"merged": len(responses)},
	}
}

// averageTimings averages each timing dimension separately, a zero duration is a dimension
// the transport did not measure and is left out rather than counted as instant.
func averageTimings(responses []*document.Response) document.Timings {
	dimensions := []func(*document.Timings) *time.Duration{
		func(t *document.Timings) *time.Duration { return &t.DNS },
		func(t *document.Timings) *time.Duration { return &t.Connect },
		func(t *document.Timings) *time.Duration { return &t.TLS },
		func(t *document.Timings) *time.Duration { return &t.FirstByte },
		func(t *document.Timings) *time.Duration { return &t.Download },
		func(t *document.Timings) *time.Duration { return &t.Total },
	}

	var average document.Timings

	for _, dimension := range dimensions {
		var (
			sum     time.Duration
			samples int
		)

		for _, response := range responses {
			if value := *dimension(&response.Timings); value > 0 {
				sum += value
				samples++
			}
		}

		if samples > 0 {
			*dimension(&average) = sum / time.Duration(samples)
		}
	}

	return average
}
