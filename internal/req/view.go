package req

import (
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/runner"
)

// The JSON shapes written by --json. Bodies are written as text rather than the base64 a
// []byte would get.

type documentView struct {
	Name    string       `json:"name"`
	Regions []regionView `json:"regions"`
}

type regionView struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Request  *requestView      `json:"request,omitempty"`
	Name     string            `json:"name"`
	Line     int               `json:"line"`
}

type requestView struct {
	Protocol     string            `json:"protocol,omitempty"`
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url,omitempty"`
	Version      string            `json:"version,omitempty"`
	BodyFile     string            `json:"bodyFile,omitempty"`
	ResponseFile string            `json:"responseFile,omitempty"`
	Body         string            `json:"body,omitempty"`
	Headers      []document.Header `json:"headers,omitempty"`
}

type responseView struct {
	Meta          map[string]any    `json:"meta,omitempty"`
	Protocol      string            `json:"protocol,omitempty"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Body          string            `json:"body,omitempty"`
	Headers       []document.Header `json:"headers,omitempty"`
	Timings       document.Timings  `json:"timings"`
	StatusCode    int               `json:"statusCode,omitempty"`
}

type resultView struct {
	Response   *responseView         `json:"response,omitempty"`
	Name       string                `json:"name"`
	Error      string                `json:"error,omitempty"`
	Tests      []document.TestResult `json:"tests,omitempty"`
	DurationMS int64                 `json:"durationMs"`
	Completed  bool                  `json:"completed"`
	Skipped    bool                  `json:"skipped"`
}

type reportView struct {
	Results  []resultView `json:"results"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Skipped  int          `json:"skipped"`
	Canceled int          `json:"canceled"`
}

// newDocumentView returns the view of doc, requests found in resolved are shown resolved.
func newDocumentView(doc *document.Document, resolved map[*document.Region]*document.Request) documentView {
	view := documentView{Name: doc.Name, Regions: make([]regionView, 0, len(doc.Regions))}

	for _, region := range doc.Regions {
		request := region.Request
		if replaced, ok := resolved[region]; ok {
			request = replaced
		}

		view.Regions = append(view.Regions, regionView{
			Name:     region.Name(),
			Line:     region.Symbol.StartLine,
			Metadata: region.Metadata,
			Request:  newRequestView(request),
		})
	}

	return view
}

func newRequestView(request *document.Request) *requestView {
	if request == nil {
		return nil
	}

	return &requestView{
		Protocol:     request.Protocol,
		Method:       request.Method,
		URL:          request.URL,
		Version:      request.Version,
		BodyFile:     request.BodyFile,
		ResponseFile: request.ResponseFile,
		Body:         string(request.Body),
		Headers:      request.Headers,
	}
}

func newResponseView(response *document.Response) *responseView {
	if response == nil {
		return nil
	}

	return &responseView{
		Meta:          response.Meta,
		Protocol:      response.Protocol,
		StatusMessage: response.StatusMessage,
		ContentType:   response.ContentType,
		Body:          string(response.Body),
		Headers:       response.Headers,
		Timings:       response.Timings,
		StatusCode:    response.StatusCode,
	}
}

func newReportView(report runner.Report) reportView {
	view := reportView{Results: make([]resultView, 0, len(report.Results))}
	view.Passed, view.Failed, view.Skipped, view.Canceled = report.Counts()

	for _, result := range report.Results {
		item := resultView{
			Name:       result.Region.Name(),
			Tests:      result.Region.Tests(),
			DurationMS: result.Duration.Milliseconds(),
			Completed:  result.Completed,
			Skipped:    result.Skipped,
		}

		if result.Err != nil {
			item.Error = result.Err.Error()
		}

		if !result.Skipped {
			item.Response = newResponseView(result.Region.Response)
		}

		view.Results = append(view.Results, item)
	}

	return view
}
