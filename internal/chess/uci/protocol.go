package uci

import (
	"strconv"
	"strings"
)

const (
	tokenUCIOK    = "uciok"
	tokenReadyOK  = "readyok"
	tokenBestMove = "bestmove"
	tokenInfo     = "info"
	tokenPonder   = "ponder"
)

// Event is one decoded line of engine output.
type Event interface {
	isEvent()
}

type HandshakeAck struct{}

type ReadySignal struct{}

type BestMove struct {
	Move   string
	Ponder string
}

// NoMove is the engine answering a search with "bestmove (none)" or
// "bestmove 0000".
type NoMove struct{}

type Identity struct {
	Name   string
	Author string
}

type OptionDecl struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Default string   `json:"default,omitempty"`
	Min     *int     `json:"min,omitempty"`
	Max     *int     `json:"max,omitempty"`
	Vars    []string `json:"vars,omitempty"`
}

type ScoreKind string

const (
	ScoreCentipawns ScoreKind = "cp"
	ScoreMate       ScoreKind = "mate"
)

type Score struct {
	Kind  ScoreKind `json:"type"`
	Value int       `json:"value"`
	Bound string    `json:"bound,omitempty"`
}

// SearchProgress carries the fields of an "info" line. Every field is
// optional; nil means the line did not mention it.
type SearchProgress struct {
	Depth          *int     `json:"depth,omitempty"`
	SelDepth       *int     `json:"seldepth,omitempty"`
	Score          *Score   `json:"score,omitempty"`
	Nodes          *int64   `json:"nodes,omitempty"`
	NPS            *int64   `json:"nps,omitempty"`
	TimeMillis     *int64   `json:"time,omitempty"`
	HashFull       *int     `json:"hashfull,omitempty"`
	TBHits         *int64   `json:"tbhits,omitempty"`
	MultiPV        *int     `json:"multipv,omitempty"`
	CurrMove       string   `json:"currmove,omitempty"`
	CurrMoveNumber *int     `json:"currmovenumber,omitempty"`
	PV             []string `json:"pv,omitempty"`
}

func (HandshakeAck) isEvent()    {}
func (ReadySignal) isEvent()     {}
func (BestMove) isEvent()        {}
func (NoMove) isEvent()          {}
func (Identity) isEvent()        {}
func (OptionDecl) isEvent()      {}
func (*SearchProgress) isEvent() {}

func (p *SearchProgress) empty() bool {
	return p.Depth == nil && p.SelDepth == nil && p.Score == nil &&
		p.Nodes == nil && p.NPS == nil && p.TimeMillis == nil &&
		p.HashFull == nil && p.TBHits == nil && p.MultiPV == nil &&
		p.CurrMove == "" && p.CurrMoveNumber == nil && len(p.PV) == 0
}

// Decode turns one trimmed engine output line into an event. Unrecognized
// lines yield ok == false.
func Decode(line string) (Event, bool) {
	switch {
	case IsHandshakeAck(line):
		return HandshakeAck{}, true
	case IsReadySignal(line):
		return ReadySignal{}, true
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	switch fields[0] {
	case tokenBestMove:
		if bm := ParseBestMove(line); bm != nil {
			return *bm, true
		}
		if len(fields) >= 2 && (fields[1] == "(none)" || fields[1] == "0000") {
			return NoMove{}, true
		}
	case tokenInfo:
		if p := ParseSearchProgress(line); p != nil {
			return p, true
		}
	case "id":
		if id, ok := parseIdentity(fields); ok {
			return id, true
		}
	case "option":
		if opt, ok := parseOption(fields); ok {
			return opt, true
		}
	}
	return nil, false
}

func IsHandshakeAck(line string) bool { return line == tokenUCIOK }

func IsReadySignal(line string) bool { return line == tokenReadyOK }

// ParseBestMove decodes "bestmove <move> [ponder <move>]". A malformed
// ponder token drops only the ponder.
func ParseBestMove(line string) *BestMove {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != tokenBestMove {
		return nil
	}
	if !IsMoveToken(fields[1]) {
		return nil
	}
	bm := &BestMove{Move: fields[1]}
	if len(fields) >= 4 && fields[2] == tokenPonder && IsMoveToken(fields[3]) {
		bm.Ponder = fields[3]
	}
	return bm
}

// IsMoveToken reports whether s matches [a-h][1-8][a-h][1-8][qrbn]?.
func IsMoveToken(s string) bool {
	if len(s) != 4 && len(s) != 5 {
		return false
	}
	if !isFile(s[0]) || !isRank(s[1]) || !isFile(s[2]) || !isRank(s[3]) {
		return false
	}
	if len(s) == 5 {
		switch s[4] {
		case 'q', 'r', 'b', 'n':
		default:
			return false
		}
	}
	return true
}

func isFile(c byte) bool { return c >= 'a' && c <= 'h' }
func isRank(c byte) bool { return c >= '1' && c <= '8' }

// ParseSearchProgress decodes an "info" line. Each keyword is looked up on
// its own, so keyword order does not matter; pv takes the rest of the line.
func ParseSearchProgress(line string) *SearchProgress {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != tokenInfo {
		return nil
	}
	tokens := fields[1:]

	// "string" swallows the rest of the line as free text.
	for i, tok := range tokens {
		if tok == "string" {
			tokens = tokens[:i]
			break
		}
	}

	var pv []string
	for i, tok := range tokens {
		if tok == "pv" {
			pv = tokens[i+1:]
			tokens = tokens[:i]
			break
		}
	}

	p := &SearchProgress{}
	p.Depth = intField(tokens, "depth")
	p.SelDepth = intField(tokens, "seldepth")
	p.Nodes = int64Field(tokens, "nodes")
	p.NPS = int64Field(tokens, "nps")
	p.TimeMillis = int64Field(tokens, "time")
	p.HashFull = intField(tokens, "hashfull")
	p.TBHits = int64Field(tokens, "tbhits")
	p.MultiPV = intField(tokens, "multipv")
	p.CurrMoveNumber = intField(tokens, "currmovenumber")
	if v, ok := valueAfter(tokens, "currmove"); ok && IsMoveToken(v) {
		p.CurrMove = v
	}
	p.Score = parseScore(tokens)
	if len(pv) > 0 {
		p.PV = append([]string(nil), pv...)
	}

	if p.empty() {
		return nil
	}
	return p
}

func parseScore(tokens []string) *Score {
	for _, kind := range []ScoreKind{ScoreCentipawns, ScoreMate} {
		for i := 0; i+2 < len(tokens); i++ {
			if tokens[i] != "score" || tokens[i+1] != string(kind) {
				continue
			}
			v, err := strconv.Atoi(tokens[i+2])
			if err != nil {
				continue
			}
			s := &Score{Kind: kind, Value: v}
			if i+3 < len(tokens) {
				switch tokens[i+3] {
				case "lowerbound", "upperbound":
					s.Bound = tokens[i+3]
				}
			}
			return s
		}
	}
	return nil
}

func valueAfter(tokens []string, key string) (string, bool) {
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] == key {
			return tokens[i+1], true
		}
	}
	return "", false
}

func intField(tokens []string, key string) *int {
	raw, ok := valueAfter(tokens, key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func int64Field(tokens []string, key string) *int64 {
	raw, ok := valueAfter(tokens, key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func parseIdentity(fields []string) (Identity, bool) {
	if len(fields) < 3 {
		return Identity{}, false
	}
	value := strings.Join(fields[2:], " ")
	switch fields[1] {
	case "name":
		return Identity{Name: value}, true
	case "author":
		return Identity{Author: value}, true
	}
	return Identity{}, false
}

var optionKeywords = map[string]bool{
	"name": true, "type": true, "default": true, "min": true, "max": true, "var": true,
}

// parseOption decodes "option name <n...> type <t> [default <d...>] [min <n>] [max <n>] [var <v...>]*".
// Names and string values may contain spaces.
func parseOption(fields []string) (OptionDecl, bool) {
	var (
		opt     OptionDecl
		key     string
		current []string
	)
	flush := func() {
		value := strings.Join(current, " ")
		switch key {
		case "name":
			opt.Name = value
		case "type":
			opt.Type = value
		case "default":
			opt.Default = value
		case "min":
			if v, err := strconv.Atoi(value); err == nil {
				opt.Min = &v
			}
		case "max":
			if v, err := strconv.Atoi(value); err == nil {
				opt.Max = &v
			}
		case "var":
			opt.Vars = append(opt.Vars, value)
		}
		current = current[:0]
	}
	for _, tok := range fields[1:] {
		// option names may legitimately contain keyword-looking words only
		// before "type" appears, so keywords other than "type" are taken
		// literally inside a name.
		if optionKeywords[tok] && (key != "name" || tok == "type") {
			flush()
			key = tok
			continue
		}
		current = append(current, tok)
	}
	flush()
	if opt.Name == "" || opt.Type == "" {
		return OptionDecl{}, false
	}
	return opt, true
}
