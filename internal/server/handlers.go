package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/marketfeeds"
	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

const (
	maxSuggestions    = 3
	healthPingTimeout = 2 * time.Second
)

func writeProblem(c *gin.Context, p *errors.ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.FromError(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	writeProblem(c, p)
}

// unknownSymbol answers 404 with the known symbols closest to symbol.
func (s *Server) unknownSymbol(c *gin.Context, symbol string) {
	p := errors.NewNotFoundError("unknown symbol "+symbol, c.Request.URL.Path)
	if sug := suggest(symbol, s.knownSymbols()); len(sug) > 0 {
		p.WithExtra("suggestions", sug)
	}
	writeProblem(c, p)
}

func (s *Server) knownSymbols() []string {
	var all []string
	if s.deps.Quotes != nil {
		all = append(all, s.deps.Quotes.Symbols()...)
	}
	if s.deps.Bars != nil {
		all = append(all, s.deps.Bars.Symbols()...)
	}
	return lo.Uniq(all)
}

// suggest ranks candidates by edit distance, keeping those within a third of the
// query length (at least 2).
func suggest(symbol string, candidates []string) []string {
	limit := max(2, len(symbol)/3)
	type scored struct {
		symbol string
		dist   int
	}
	var hits []scored
	for _, cand := range candidates {
		if d := levenshtein.ComputeDistance(strings.ToUpper(symbol), strings.ToUpper(cand)); d <= limit {
			hits = append(hits, scored{cand, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].symbol < hits[j].symbol
	})
	if len(hits) > maxSuggestions {
		hits = hits[:maxSuggestions]
	}
	return lo.Map(hits, func(h scored, _ int) string { return h.symbol })
}

const maxSymbolLen = 32

func validSymbol(symbol string) bool {
	if symbol == "" || len(symbol) > maxSymbolLen {
		return false
	}
	for _, r := range symbol {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == ':':
		default:
			return false
		}
	}
	return true
}

// symbolParam reads the symbol path parameter and resolves it against the known
// symbols. Symbols keep the case their source sent; a request in another case
// matches when exactly one known symbol is equal ignoring case. It writes a 400
// and reports false for malformed symbols.
func (s *Server) symbolParam(c *gin.Context) (string, bool) {
	raw := strings.TrimSpace(c.Param("symbol"))
	if !validSymbol(raw) {
		writeProblem(c, errors.NewInvalidSymbolError("invalid symbol "+strconv.Quote(raw), c.Request.URL.Path))
		return "", false
	}
	return resolveSymbol(raw, s.knownSymbols()), true
}

func resolveSymbol(raw string, known []string) string {
	var match string
	for _, k := range known {
		if k == raw {
			return k
		}
		if strings.EqualFold(k, raw) {
			if match != "" {
				return raw
			}
			match = k
		}
	}
	if match == "" {
		return raw
	}
	return match
}

// parseTime accepts epoch milliseconds or RFC 3339; empty is an open bound.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.Invalid.Explain("invalid time %q: want epoch milliseconds or RFC 3339", v)
	}
	return t, nil
}

func timeRange(c *gin.Context) (*models.TimeRange, error) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		return nil, err
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		return nil, err
	}
	if from.IsZero() && to.IsZero() {
		return nil, nil
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, errors.Invalid.Explain("range ends before it starts")
	}
	return &models.TimeRange{From: from, To: to}, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	states := map[string]string{}
	connected := 0
	if s.deps.Connections != nil {
		for name, st := range s.deps.Connections.ConnectionStates() {
			states[name] = st.String()
			if st == ws.StateConnected {
				connected++
			}
		}
	}

	body := gin.H{"sources": states, "time": time.Now().UTC()}
	distributionOK := true
	if s.deps.Distribution != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		err := s.deps.Distribution.Ping(ctx)
		cancel()
		body["distribution"] = "ok"
		if err != nil {
			distributionOK = false
			body["distribution"] = err.Error()
			s.logger.Warn("Distribution backend unreachable", zap.Error(err))
		}
	}

	status, code := "ok", http.StatusOK
	switch {
	case len(states) > 0 && connected == 0:
		status, code = "down", http.StatusServiceUnavailable
	case connected < len(states), !distributionOK:
		status = "degraded"
	}
	body["status"] = status
	c.JSON(code, body)
}

func (s *Server) handleQuotes(c *gin.Context) {
	quotes := s.deps.Quotes.Quotes()
	if quotes == nil {
		quotes = []models.AggregatedQuote{}
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes, "count": len(quotes)})
}

func (s *Server) handleQuote(c *gin.Context) {
	symbol, ok := s.symbolParam(c)
	if !ok {
		return
	}
	q, ok := s.deps.Quotes.Quote(symbol)
	if !ok {
		s.unknownSymbol(c, symbol)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleBars(c *gin.Context) {
	symbol, ok := s.symbolParam(c)
	if !ok {
		return
	}
	kind, err := marketdata.ParseDataKind(c.Query("kind"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	r, err := timeRange(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	series, err := s.deps.Bars.GetData(symbol, kind, r)
	if errors.Is(err, errors.NotFound) {
		s.unknownSymbol(c, symbol)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) handleExport(c *gin.Context) {
	symbol, ok := s.symbolParam(c)
	if !ok {
		return
	}
	format, err := marketdata.ParseFormat(c.Query("format"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	data, err := s.deps.Bars.ExportData(symbol, format)
	if errors.Is(err, errors.NotFound) {
		s.unknownSymbol(c, symbol)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+symbol+"."+string(format)+`"`)
	c.Data(http.StatusOK, format.ContentType(), data)
}

func (s *Server) handleArchive(c *gin.Context) {
	if s.deps.Archive == nil {
		writeProblem(c, errors.NewServiceUnavailableError("bar archive disabled", c.Request.URL.Path))
		return
	}
	r, err := timeRange(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var rng models.TimeRange
	if r != nil {
		rng = *r
	}
	symbol, ok := s.symbolParam(c)
	if !ok {
		return
	}
	bars, err := s.deps.Archive.Range(symbol, rng)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "bars": bars})
}

type sourceView struct {
	marketfeeds.SourceConfig
	State string                  `json:"state,omitempty"`
	Stats marketfeeds.SourceStats `json:"stats"`
}

func (s *Server) handleSources(c *gin.Context) {
	stats := s.deps.Quotes.SourceStats()
	var states map[string]ws.ConnectionState
	if s.deps.Connections != nil {
		states = s.deps.Connections.ConnectionStates()
	}
	views := lo.Map(s.deps.Quotes.Sources(), func(src marketfeeds.SourceConfig, _ int) sourceView {
		v := sourceView{SourceConfig: src, Stats: stats[src.Name]}
		if st, ok := states[src.Name]; ok {
			v.State = st.String()
		}
		return v
	})
	c.JSON(http.StatusOK, gin.H{"sources": views})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	providers := s.deps.Limits.Providers()
	out := make(map[string]any, len(providers))
	for _, p := range providers {
		out[p] = s.deps.Limits.Status(p)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleRateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Limits.Status(c.Param("provider")))
}
