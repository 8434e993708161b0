package uci

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeTokens(t *testing.T) {
	assert.True(t, IsHandshakeAck("uciok"))
	assert.False(t, IsHandshakeAck("uciok extra"))
	assert.False(t, IsHandshakeAck("readyok"))

	assert.True(t, IsReadySignal("readyok"))
	assert.False(t, IsReadySignal("READYOK"))
	assert.False(t, IsReadySignal("uciok"))
}

func TestParseBestMove(t *testing.T) {
	cases := []struct {
		line   string
		move   string
		ponder string
		ok     bool
	}{
		{line: "bestmove e2e4", move: "e2e4", ok: true},
		{line: "bestmove e2e4 ponder e7e5", move: "e2e4", ponder: "e7e5", ok: true},
		{line: "bestmove e7e8q", move: "e7e8q", ok: true},
		{line: "bestmove a7a8n ponder h2h1r", move: "a7a8n", ponder: "h2h1r", ok: true},
		{line: "bestmove e2e4 ponder zz99", move: "e2e4", ok: true},
		{line: "bestmove E2E4"},
		{line: "bestmove e9e4"},
		{line: "bestmove i2e4"},
		{line: "bestmove e7e8k"},
		{line: "bestmove e2e4e5"},
		{line: "bestmove"},
		{line: "bestmove (none)"},
		{line: "info depth 3 pv e2e4"},
		{line: "  bestmoves e2e4"},
		{line: ""},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			bm := ParseBestMove(tc.line)
			if !tc.ok {
				assert.Nil(t, bm)
				return
			}
			require.NotNil(t, bm)
			assert.Equal(t, tc.move, bm.Move)
			assert.Equal(t, tc.ponder, bm.Ponder)
		})
	}
}

func TestParseSearchProgressAllFields(t *testing.T) {
	line := "info depth 12 seldepth 18 multipv 1 score cp 34 nodes 1234 nps 5000 hashfull 12 tbhits 0 time 247 currmove g1f3 currmovenumber 2 pv e2e4 e7e5 g1f3"
	p := ParseSearchProgress(line)
	require.NotNil(t, p)

	require.NotNil(t, p.Depth)
	assert.Equal(t, 12, *p.Depth)
	require.NotNil(t, p.SelDepth)
	assert.Equal(t, 18, *p.SelDepth)
	require.NotNil(t, p.MultiPV)
	assert.Equal(t, 1, *p.MultiPV)
	require.NotNil(t, p.Score)
	assert.Equal(t, Score{Kind: ScoreCentipawns, Value: 34}, *p.Score)
	require.NotNil(t, p.Nodes)
	assert.EqualValues(t, 1234, *p.Nodes)
	require.NotNil(t, p.NPS)
	assert.EqualValues(t, 5000, *p.NPS)
	require.NotNil(t, p.HashFull)
	assert.Equal(t, 12, *p.HashFull)
	require.NotNil(t, p.TBHits)
	assert.EqualValues(t, 0, *p.TBHits)
	require.NotNil(t, p.TimeMillis)
	assert.EqualValues(t, 247, *p.TimeMillis)
	assert.Equal(t, "g1f3", p.CurrMove)
	require.NotNil(t, p.CurrMoveNumber)
	assert.Equal(t, 2, *p.CurrMoveNumber)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3"}, p.PV)
}

func TestParseSearchProgressScore(t *testing.T) {
	p := ParseSearchProgress("info score cp 34")
	require.NotNil(t, p)
	require.NotNil(t, p.Score)
	assert.Equal(t, ScoreCentipawns, p.Score.Kind)
	assert.Equal(t, 34, p.Score.Value)

	p = ParseSearchProgress("info score mate -2")
	require.NotNil(t, p)
	require.NotNil(t, p.Score)
	assert.Equal(t, ScoreMate, p.Score.Kind)
	assert.Equal(t, -2, p.Score.Value)

	p = ParseSearchProgress("info depth 4 nodes 100")
	require.NotNil(t, p)
	assert.Nil(t, p.Score)

	p = ParseSearchProgress("info depth 20 score cp -15 lowerbound nodes 9")
	require.NotNil(t, p)
	require.NotNil(t, p.Score)
	assert.Equal(t, Score{Kind: ScoreCentipawns, Value: -15, Bound: "lowerbound"}, *p.Score)

	// a malformed centipawn value falls through to mate
	p = ParseSearchProgress("info score cp x score mate 3")
	require.NotNil(t, p)
	require.NotNil(t, p.Score)
	assert.Equal(t, Score{Kind: ScoreMate, Value: 3}, *p.Score)
}

func TestParseSearchProgressLenient(t *testing.T) {
	p := ParseSearchProgress("info depth abc seldepth 7 nodes -5")
	require.NotNil(t, p)
	assert.Nil(t, p.Depth)
	assert.Nil(t, p.Nodes)
	require.NotNil(t, p.SelDepth)
	assert.Equal(t, 7, *p.SelDepth)

	p = ParseSearchProgress("info currmove zz11 depth 3")
	require.NotNil(t, p)
	assert.Empty(t, p.CurrMove)
	require.NotNil(t, p.Depth)
}

func TestParseSearchProgressAbsent(t *testing.T) {
	for _, line := range []string{
		"info",
		"info depth x",
		"info pv",
		"info string depth 5 nodes 10",
		"information depth 3",
		"bestmove e2e4",
		"depth 3",
	} {
		assert.Nil(t, ParseSearchProgress(line), line)
	}
}

func TestParseSearchProgressStringStopsScanning(t *testing.T) {
	p := ParseSearchProgress("info depth 9 string pv e2e4 nodes 5")
	require.NotNil(t, p)
	require.NotNil(t, p.Depth)
	assert.Equal(t, 9, *p.Depth)
	assert.Nil(t, p.Nodes)
	assert.Empty(t, p.PV)
}

func TestParseSearchProgressOrderIndependent(t *testing.T) {
	pairs := [][]string{
		{"depth", "10"},
		{"seldepth", "14"},
		{"score", "mate", "3"},
		{"nodes", "4000"},
		{"nps", "120000"},
		{"time", "33"},
		{"multipv", "2"},
		{"currmove", "d2d4"},
		{"currmovenumber", "5"},
	}
	pv := "pv d2d4 d7d5 c2c4"

	build := func(order []int) string {
		parts := []string{"info"}
		for _, i := range order {
			parts = append(parts, pairs[i]...)
		}
		return strings.Join(append(parts, pv), " ")
	}

	identity := make([]int, len(pairs))
	for i := range identity {
		identity[i] = i
	}
	want := ParseSearchProgress(build(identity))
	require.NotNil(t, want)

	orders := [][]int{
		{8, 7, 6, 5, 4, 3, 2, 1, 0},
		{2, 0, 4, 6, 8, 1, 3, 5, 7},
		{5, 3, 1, 8, 6, 4, 2, 0, 7},
	}
	for _, order := range orders {
		got := ParseSearchProgress(build(order))
		require.NotNil(t, got)
		assert.Equal(t, want, got, build(order))
	}

	// decoding the same line twice gives the same result
	assert.Equal(t, want, ParseSearchProgress(build(identity)))
}

func TestDecode(t *testing.T) {
	ev, ok := Decode("uciok")
	require.True(t, ok)
	assert.IsType(t, HandshakeAck{}, ev)

	ev, ok = Decode("readyok")
	require.True(t, ok)
	assert.IsType(t, ReadySignal{}, ev)

	ev, ok = Decode("bestmove g1f3 ponder g8f6")
	require.True(t, ok)
	assert.Equal(t, BestMove{Move: "g1f3", Ponder: "g8f6"}, ev)

	ev, ok = Decode("bestmove (none)")
	require.True(t, ok)
	assert.IsType(t, NoMove{}, ev)

	ev, ok = Decode("id name Stockfish 17")
	require.True(t, ok)
	assert.Equal(t, Identity{Name: "Stockfish 17"}, ev)

	ev, ok = Decode("id author the Stockfish developers")
	require.True(t, ok)
	assert.Equal(t, Identity{Author: "the Stockfish developers"}, ev)

	ev, ok = Decode("info depth 1 pv e2e4")
	require.True(t, ok)
	assert.IsType(t, &SearchProgress{}, ev)

	for _, line := range []string{"", "Stockfish 17 by the Stockfish developers", "bestmove E2E4", "info", "id"} {
		_, ok := Decode(line)
		assert.False(t, ok, line)
	}
}

func TestDecodeOption(t *testing.T) {
	ev, ok := Decode("option name Skill Level type spin default 20 min 0 max 20")
	require.True(t, ok)
	opt := ev.(OptionDecl)
	assert.Equal(t, "Skill Level", opt.Name)
	assert.Equal(t, "spin", opt.Type)
	assert.Equal(t, "20", opt.Default)
	require.NotNil(t, opt.Min)
	require.NotNil(t, opt.Max)
	assert.Equal(t, 0, *opt.Min)
	assert.Equal(t, 20, *opt.Max)

	ev, ok = Decode("option name Analysis Contempt type combo default Both var Off var White var Black var Both")
	require.True(t, ok)
	opt = ev.(OptionDecl)
	assert.Equal(t, "Analysis Contempt", opt.Name)
	assert.Equal(t, []string{"Off", "White", "Black", "Both"}, opt.Vars)

	_, ok = Decode("option name Broken")
	assert.False(t, ok)
}

func TestIsMoveToken(t *testing.T) {
	for _, s := range []string{"a1h8", "e7e8q", "b2b1r", "c7c8b", "g2g1n"} {
		assert.True(t, IsMoveToken(s), s)
	}
	for _, s := range []string{"", "e2", "e2e", "a0a1", "e2e4Q", "0000", "(none)", "e7e8x"} {
		assert.False(t, IsMoveToken(s), s)
	}
}
