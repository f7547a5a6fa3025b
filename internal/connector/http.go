package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/thrillee/aegisroute/internal/logging"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
)

var _ Connector = (*HTTPConnector)(nil)

// maxAckBody bounds how much of the peer's answer is read for logging.
const maxAckBody = 1024

// HTTPConnector delivers MO messages to an HTTP endpoint. It has no session
// and is always available.
type HTTPConnector struct {
	cfg    Config
	client *http.Client
}

func NewHTTPConnector(cfg Config) *HTTPConnector {
	return &HTTPConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout()},
	}
}

func (c *HTTPConnector) ID() string     { return c.cfg.ID }
func (c *HTTPConnector) Type() string   { return codes.ConnectorHTTP }
func (c *HTTPConnector) Config() Config { return c.cfg }

// form is the message encoding sent to the endpoint.
func form(r *routable.Routable) url.Values {
	v := url.Values{}
	v.Set("id", r.ID)
	v.Set("from", r.SourceAddr())
	v.Set("to", r.DestinationAddr())
	v.Set("content", r.Content())
	coding, _ := r.IntParam(routable.ParamDataCoding)
	v.Set("coding", strconv.Itoa(coding))
	v.Set("origin-connector", r.SourceConnector)
	return v
}

// Dispatch sends r to the endpoint. Any 2xx answer is an acknowledgement.
func (c *HTTPConnector) Dispatch(ctx context.Context, r *routable.Routable) (Receipt, error) {
	receipt := Receipt{ConnectorID: c.cfg.ID, Segments: 1}
	ctx = logging.ContextWithConnectorID(ctx, c.cfg.ID)

	values := form(r)
	var (
		req *http.Request
		err error
	)
	if c.cfg.Method == http.MethodGet {
		target := c.cfg.URL
		if strings.Contains(target, "?") {
			target += "&" + values.Encode()
		} else {
			target += "?" + values.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return receipt, codes.Wrap(codes.KindDispatch, err, codes.ErrorCodeHTTPFailed)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "HTTP delivery failed", slog.String("url", c.cfg.URL), slog.Any("error", err))
		return receipt, codes.Wrap(codes.KindDispatch, err, codes.ErrorCodeHTTPFailed)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.WarnContext(ctx, "HTTP delivery rejected by endpoint",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return receipt, &codes.Error{
			Kind:    codes.KindDispatch,
			Message: fmt.Sprintf("%s: endpoint answered %d", codes.ErrorCodeHTTPFailed, resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}
	slog.DebugContext(ctx, "HTTP delivery acknowledged", slog.Int("status", resp.StatusCode))
	receipt.MessageIDs = []string{r.ID}
	return receipt, nil
}
