package config

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

// MergeRankEntry is one line of a merge-rank file.
type MergeRankEntry struct {
	Token []byte
	Rank  int
}

// ParseMergeRanks reads the line-oriented merge-rank format: "<base64-token> <decimal-rank>" per
// line. Blank lines are skipped; the first malformed line fails with a FormatError naming it.
// Entries are returned in file order.
func ParseMergeRanks(r io.Reader, source string) ([]MergeRankEntry, error) {
	var entries []MergeRankEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, &tokerr.FormatError{Source: source, Line: line,
				Reason: "expected \"<base64-token> <rank>\", got " + strconv.Itoa(len(fields)) + " fields"}
		}
		token, err := base64.StdEncoding.DecodeString(fields[0])
		if err != nil {
			return nil, &tokerr.FormatError{Source: source, Line: line, Reason: "malformed base64 token", Err: err}
		}
		rank, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, &tokerr.FormatError{Source: source, Line: line, Reason: "rank " + strconv.Quote(fields[1]) + " is not a decimal integer", Err: err}
		}
		if rank < 0 {
			return nil, &tokerr.FormatError{Source: source, Line: line, Reason: "rank " + fields[1] + " is negative"}
		}
		entries = append(entries, MergeRankEntry{Token: token, Rank: rank})
	}
	if err := sc.Err(); err != nil {
		return nil, &tokerr.FormatError{Source: source, Line: line + 1, Reason: "read failed", Err: err}
	}
	return entries, nil
}

// ParseMergeRanksFile reads a merge-rank file.
func ParseMergeRanksFile(filePath string) ([]MergeRankEntry, error) {
	f, err := os.Open(filePath) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %q", filePath)
	}
	defer f.Close()
	return ParseMergeRanks(f, filePath)
}

// SortedByRank returns m as entries ordered by rank, then by token bytes.
func SortedByRank(m map[string]int) []MergeRankEntry {
	out := make([]MergeRankEntry, 0, len(m))
	for tok, rank := range m {
		out = append(out, MergeRankEntry{Token: []byte(tok), Rank: rank})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return bytes.Compare(out[i].Token, out[j].Token) < 0
	})
	return out
}

// MergeRankLoader loads merge-rank files from the local filesystem. It implements
// tiktoken.BpeLoader, so it can be installed with tiktoken.SetBpeLoader to keep encoding
// lookups offline.
type MergeRankLoader struct {
	// Files maps a requested file or URL to a local path. Unmapped names are opened as paths.
	Files map[string]string
}

var _ tiktoken.BpeLoader = (*MergeRankLoader)(nil)

// LoadTiktokenBpe implements tiktoken.BpeLoader.
func (l *MergeRankLoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	path := file
	if mapped, ok := l.Files[file]; ok {
		path = mapped
	}
	entries, err := ParseMergeRanksFile(path)
	if err != nil {
		return nil, err
	}
	ranks := make(map[string]int, len(entries))
	for _, e := range entries {
		ranks[string(e.Token)] = e.Rank
	}
	return ranks, nil
}

// jsonError converts a JSON decoding failure into a FormatError carrying the byte offset.
func jsonError(source string, err error) error {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return &tokerr.FormatError{Source: source, Offset: syntax.Offset, Reason: syntax.Error(), Err: err}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &tokerr.FormatError{Source: source, Offset: typeErr.Offset, Reason: typeErr.Error(), Err: err}
	}
	return &tokerr.FormatError{Source: source, Reason: err.Error(), Err: err}
}
