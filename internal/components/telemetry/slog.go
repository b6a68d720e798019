package telemetry

import (
	"log/slog"
	"os"
	"strconv"
)

// SlogAPI implements API on top of a slog.Logger. The first error among the
// params is logged under "err", the rest as "p0", "p1", ...
type SlogAPI struct {
	logger *slog.Logger
}

// NewSlogAPI wraps a logger, a nil logger means slog.Default().
func NewSlogAPI(logger *slog.Logger) SlogAPI {
	return SlogAPI{logger: logger}
}

// InitSlog installs a text handler on stderr as the default logger, debug
// reports are only shown when verbose.
func InitSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (s SlogAPI) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func attrs(id string, params []any) []any {
	out := make([]any, 0, 2+len(params)*2)
	if id != "" {
		out = append(out, "id", id)
	}
	sawErr := false
	for i, p := range params {
		if err, ok := p.(error); ok && !sawErr {
			out = append(out, "err", err.Error())
			sawErr = true
			continue
		}
		out = append(out, "p"+strconv.Itoa(i), p)
	}
	return out
}

func (s SlogAPI) ReportBroken(id string, params ...any) {
	s.log().Error("broken", attrs(id, params)...)
}

func (s SlogAPI) ReportWarning(id string, params ...any) {
	s.log().Warn("warning", attrs(id, params)...)
}

func (s SlogAPI) ReportDebug(msg string, params ...any) {
	s.log().Debug(msg, attrs("", params)...)
}

func (s SlogAPI) ReportCount(id string, count int64) {
	s.log().Info("count", "id", id, "n", count)
}
