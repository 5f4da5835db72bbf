package privileged

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/catalyst/pkg/action"
	catalysterrors "github.com/tombee/catalyst/pkg/errors"
	"github.com/tombee/catalyst/pkg/playbook"
)

// HTTPRequest performs an outbound HTTP call, returning the status code
// and response body; response headers are not returned. Like Shell, this is a privileged action:
// it reaches outside the process and is opt-in per embedding application.
var HTTPRequest action.Func = func(ctx context.Context, _ *playbook.ExecutionContext, with map[string]interface{}) (map[string]interface{}, error) {
	url, ok := with["url"].(string)
	if !ok || url == "" {
		return nil, catalysterrors.New(catalysterrors.CodeInputValidationFailed, "httpRequest action requires a string 'url'")
	}

	method, _ := with["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := with["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	timeout := 30 * time.Second
	if t, ok := with["timeoutSeconds"].(int); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeInputValidationFailed, err, "failed to build HTTP request")
	}

	if headers, ok := with["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeExecutionFailed, err, "HTTP request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeExecutionFailed, err, "failed to read HTTP response body")
	}

	return map[string]interface{}{
		"statusCode": resp.StatusCode,
		"body":       string(data),
	}, nil
}
