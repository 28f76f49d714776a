// Package httpapi is the HTTP front end that turns uploads and prompts into
// broker calls and publishes the produced images under /static/.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
	"github.com/mrjvadi/tattoo-broker/tattoo"
)

// Submitter runs jobs on the workers; *tattoo.Service implements it.
type Submitter interface {
	Train(ctx context.Context, p tattoo.TrainParams) (broker.TaskResult, error)
	Infer(ctx context.Context, p tattoo.InferParams) (broker.TaskResult, error)
}

type Options struct {
	Logger *zap.Logger
	// CallTimeout bounds one broker call; zero means no bound.
	CallTimeout time.Duration
	MaxBodySize int
	// BaseContext parents every broker call; cancelling it aborts them.
	BaseContext context.Context
}

// Response is the body of both submission endpoints.
type Response struct {
	GeneratedImages []string `json:"generated_images"`
	Error           string   `json:"error"`
}

type Server struct {
	svc    Submitter
	store  *tattoo.Storage
	logger *zap.Logger
	opts   Options

	static fasthttp.RequestHandler
	srv    *fasthttp.Server
}

func New(svc Submitter, store *tattoo.Storage, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 64 << 20
	}
	s := &Server{
		svc:    svc,
		store:  store,
		logger: opts.Logger.Named("http"),
		opts:   opts,
	}
	fs := &fasthttp.FS{
		Root:               store.StaticDir(),
		PathRewrite:        fasthttp.NewPathSlashesStripper(1),
		GenerateIndexPages: false,
		Compress:           false,
	}
	s.static = fs.NewRequestHandler()
	s.srv = &fasthttp.Server{
		Handler:            s.Handler,
		Name:               "tattoo-api",
		ReadTimeout:        5 * time.Minute,
		WriteTimeout:       time.Minute,
		MaxRequestBodySize: opts.MaxBodySize,
	}
	return s
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handler routes one request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/input_train/" || path == "/input_train":
		if !ctx.IsPost() {
			s.methodNotAllowed(ctx)
			return
		}
		s.handleTrain(ctx)
	case path == "/input_inference/" || path == "/input_inference":
		if !ctx.IsPost() {
			s.methodNotAllowed(ctx)
			return
		}
		s.handleInference(ctx)
	case path == "/health":
		s.writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case strings.HasPrefix(path, "/static/"):
		s.static(ctx)
	default:
		s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) methodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Allow", fasthttp.MethodPost)
	s.writeJSON(ctx, fasthttp.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func (s *Server) callContext() (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout > 0 {
		return context.WithTimeout(s.opts.BaseContext, s.opts.CallTimeout)
	}
	return context.WithCancel(s.opts.BaseContext)
}

// statusFor maps a submission error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tattoo.ErrInvalidParams):
		return fasthttp.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	case broker.IsTransport(err),
		errors.Is(err, broker.ErrConnectionLost),
		errors.Is(err, broker.ErrClientClosed):
		return fasthttp.StatusBadGateway
	}
	return fasthttp.StatusInternalServerError
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, err error) {
	status := statusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		s.logger.Error("request failed", zap.ByteString("path", ctx.Path()), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.ByteString("path", ctx.Path()), zap.Error(err))
	}
	s.writeJSON(ctx, status, Response{GeneratedImages: []string{}, Error: err.Error()})
}
