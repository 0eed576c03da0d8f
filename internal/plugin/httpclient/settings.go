package httpclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
)

const (
	DefaultConnectionTimeout = 10 * time.Second // Default connection timeout for HTTP requests
	DefaultTimeout           = 30 * time.Second // Default overall timeout for HTTP requests
)

// Directives understood by the HTTP transport, e.g. "# @timeout 5s".
const (
	MetaTimeout           = "timeout"
	MetaConnectionTimeout = "connection-timeout"
	MetaNoRedirect        = "no-redirect"
	MetaRetry             = "retry"
)

// Settings control how a request is made.
type Settings struct {
	Timeout           time.Duration // Overall timeout, 0 for none
	ConnectionTimeout time.Duration // Timeout for establishing the connection, 0 for none
	Retries           int           // Extra attempts after a transport error
	NoRedirect        bool          // Return redirect responses rather than following them
}

// DefaultSettings returns the [Settings] used when neither the host nor the request
// file say otherwise.
func DefaultSettings() Settings {
	return Settings{
		Timeout:           DefaultTimeout,
		ConnectionTimeout: DefaultConnectionTimeout,
	}
}

// For returns s overridden by the directives of region.
func (s Settings) For(region *document.Region) (Settings, error) {
	for _, name := range region.MetadataKeys() {
		if err := s.apply(name, region.Metadata[name]); err != nil {
			return Settings{}, fmt.Errorf("region %s: %w", region.Name(), err)
		}
	}

	return s, nil
}

// apply sets the setting called name from its directive value, directives that
// aren't settings are ignored.
func (s *Settings) apply(name, value string) error {
	var err error

	switch name {
	case MetaTimeout:
		s.Timeout, err = time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("bad timeout value: %w", err)
		}
	case MetaConnectionTimeout:
		s.ConnectionTimeout, err = time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("bad connection-timeout value: %w", err)
		}
	case MetaNoRedirect:
		// A bare "# @no-redirect" is the common form
		if value == "" {
			s.NoRedirect = true
			return nil
		}

		s.NoRedirect, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("bad no-redirect value: %w", err)
		}
	case MetaRetry:
		s.Retries, err = strconv.Atoi(value)
		if err != nil || s.Retries < 0 {
			return fmt.Errorf("bad retry value: %q is not a non-negative integer", value)
		}
	}

	return nil
}

// validateSetting reports malformed setting directives at parse time. It never claims the
// directive so the value is kept in the region's metadata for [Settings.For].
func validateSetting(pc *document.ParserContext, meta document.MetaData) {
	var scratch Settings
	if err := scratch.apply(meta.Name, meta.Value); err != nil {
		start := max(strings.LastIndex(meta.Line.Text, meta.Value), 0)
		pc.ErrorfAt(meta.Line, start, start+len(meta.Value), "%v", err)
	}
}
