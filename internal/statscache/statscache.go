// Package statscache persists and restores DSA state per display (spec
// component C5): a plain-text, whitespace-separated format written
// atomically to an XDG-convention cache path, keyed by bus number and
// verified by the EDID checksum byte.
package statscache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kgretry/ddcadapt/internal/dsa"
	"github.com/kgretry/ddcadapt/internal/registry"
)

const formatHeader = "FORMAT 1"

const product = "ddcadapt"

// BadCacheData is returned when one or more lines of a stats file failed to
// parse. Per spec §4.5, a single bad line invalidates the whole load: the
// registry is left empty and every parse failure is reported as a cause.
type BadCacheData struct {
	Path   string
	Causes []error
}

func (e *BadCacheData) Error() string {
	return fmt.Sprintf("statscache: %s: %d bad record(s)", e.Path, len(e.Causes))
}

func (e *BadCacheData) Unwrap() []error {
	return e.Causes
}

// CacheIoError wraps an I/O failure opening, reading, or writing the cache
// file. Per spec §7 this is always non-fatal to the caller.
type CacheIoError struct {
	Path string
	Op   string
	Err  error
}

func (e *CacheIoError) Error() string {
	return fmt.Sprintf("statscache: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIoError) Unwrap() error {
	return e.Err
}

// DefaultPath resolves the stats file path per XDG conventions:
// $XDG_CACHE_HOME/<product>/stats, falling back to $HOME/.cache/<product>/stats.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, product, "stats"), nil
	}

	var home, err = os.UserHomeDir()
	if err != nil {
		return "", &CacheIoError{Path: "$HOME", Op: "resolve", Err: err}
	}

	return filepath.Join(home, ".cache", product, "stats"), nil
}

// isCommentOrBlank reports whether line carries no record data.
func isCommentOrBlank(line string) bool {
	var trimmed = strings.TrimSpace(line)

	return trimmed == "" || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";")
}

// Save writes every record with state&BusDetected set to path, atomically
// (write-temp-then-rename). It does not mutate reg. logger receives a
// structured Warn for every CacheIoError before it is returned; pass nil to
// use log.Default().
func Save(reg *registry.Registry, path string, logger *log.Logger) error {
	logger = orDefaultLogger(logger)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return logAndReturn(logger, &CacheIoError{Path: path, Op: "mkdir", Err: err})
	}

	var tmp = path + ".tmp"

	var f, err = os.Create(tmp)
	if err != nil {
		return logAndReturn(logger, &CacheIoError{Path: path, Op: "create", Err: err})
	}

	var w = bufio.NewWriter(f)
	fmt.Fprintln(w, formatHeader)

	reg.ApplyAllSorted(func(rec *registry.Record) {
		if rec.State()&registry.BusDetected == 0 {
			return
		}

		writeRecordLine(w, rec)
	})

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)

		return logAndReturn(logger, &CacheIoError{Path: path, Op: "write", Err: err})
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return logAndReturn(logger, &CacheIoError{Path: path, Op: "close", Err: err})
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return logAndReturn(logger, &CacheIoError{Path: path, Op: "rename", Err: err})
	}

	return nil
}

func orDefaultLogger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}

	return l
}

func logAndReturn(logger *log.Logger, err *CacheIoError) error {
	logger.Warn("stats cache io error", "path", err.Path, "op", err.Op, "err", err.Err)

	return err
}

func writeRecordLine(w *bufio.Writer, rec *registry.Record) {
	var snap = rec.DSA.Snapshot()

	fmt.Fprintf(w, "i2c-%d %02x %d %d %d %d %d",
		rec.BusPath, rec.EdidCheck, snap.CurStep, snap.Lookback,
		snap.RemainingInterval, snap.MinOkStep, boolToBit(snap.FoundFailureStep))

	for _, invocation := range snap.Buffer {
		fmt.Fprintf(w, " %d,%d,%d", invocation.EpochSeconds, invocation.TryCount, invocation.RequiredStep)
	}

	fmt.Fprintln(w)
}

func boolToBit(b bool) int {
	if b {
		return 1
	}

	return 0
}

// Load reads path and populates reg with one FromCache record per parsed
// line. A missing file is not an error: reg is left untouched. A parse
// failure on any line aborts the whole load with *BadCacheData and leaves
// reg untouched (spec §4.5: "discard all partially loaded records"). logger
// receives a structured Warn for every CacheIoError and discarded
// BadCacheData; pass nil to use log.Default().
func Load(reg *registry.Registry, path string, logger *log.Logger) error {
	logger = orDefaultLogger(logger)

	var f, err = os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return logAndReturn(logger, &CacheIoError{Path: path, Op: "open", Err: err})
	}
	defer f.Close()

	var records []parsedRecord
	var causes []error

	var scanner = bufio.NewScanner(f)
	var sawHeader = false
	for scanner.Scan() {
		var line = scanner.Text()
		if isCommentOrBlank(line) {
			continue
		}
		if !sawHeader {
			// A leading "FORMAT 1" line is consumed as the header. A file
			// without one still loads its records; any other header text
			// fails to parse as a record below and is reported as a cause.
			if strings.TrimSpace(line) == formatHeader {
				sawHeader = true

				continue
			}
		}

		var fields, parseErr = parseLine(line)
		if parseErr != nil {
			causes = append(causes, parseErr)

			continue
		}

		records = append(records, fields)
	}

	if err := scanner.Err(); err != nil {
		return logAndReturn(logger, &CacheIoError{Path: path, Op: "read", Err: err})
	}

	if len(causes) > 0 {
		logger.Warn("stats cache load discarded, bad record(s)", "path", path, "count", len(causes), "first_cause", causes[0])

		return &BadCacheData{Path: path, Causes: causes}
	}

	for _, parsed := range records {
		var rec = reg.NewCacheRecord(parsed.bus, parsed.edidCheck)
		rec.DSA.RestoreFromCache(parsed.curStep, parsed.lookback, parsed.remainingInterval, parsed.minOkStep, parsed.foundFailureStep)
		rec.DSA.RestoreBuffer(parsed.buffer)
		reg.AdoptFromCache(rec)
	}

	return nil
}

// parsedRecord holds one cache line's fields before the owning registry
// constructs the actual Record (so the record can share the registry's
// DSA-enabled flag).
type parsedRecord struct {
	bus               registry.BusPath
	edidCheck         byte
	curStep           int
	lookback          int
	remainingInterval int
	minOkStep         int
	foundFailureStep  bool
	buffer            []dsa.InvocationRecord
}

func parseLine(line string) (parsedRecord, error) {
	var fields = strings.Fields(line)
	if len(fields) < 7 {
		return parsedRecord{}, fmt.Errorf("statscache: malformed record (need >=7 fields, got %d): %q", len(fields), line)
	}

	var busStr = strings.TrimPrefix(fields[0], "i2c-")
	var bus, err = strconv.ParseUint(busStr, 10, 64)
	if err != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad bus path %q: %w", fields[0], err)
	}

	var edidCheck, err2 = strconv.ParseUint(fields[1], 16, 8)
	if err2 != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad edid checksum %q: %w", fields[1], err2)
	}

	var curStep, err3 = strconv.Atoi(fields[2])
	if err3 != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad cur_step %q: %w", fields[2], err3)
	}
	if curStep < 0 || curStep > dsa.StepLast {
		return parsedRecord{}, fmt.Errorf("statscache: cur_step %d out of range [0,%d]", curStep, dsa.StepLast)
	}

	var lookback, err4 = strconv.Atoi(fields[3])
	if err4 != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad lookback %q: %w", fields[3], err4)
	}

	var remainingInterval, err5 = strconv.Atoi(fields[4])
	if err5 != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad remaining_interval %q: %w", fields[4], err5)
	}

	var minOkStep, err6 = strconv.Atoi(fields[5])
	if err6 != nil {
		return parsedRecord{}, fmt.Errorf("statscache: bad min_ok_step %q: %w", fields[5], err6)
	}

	var foundFailureBit, err7 = strconv.Atoi(fields[6])
	if err7 != nil || (foundFailureBit != 0 && foundFailureBit != 1) {
		return parsedRecord{}, fmt.Errorf("statscache: bad found_failure_step bit %q", fields[6])
	}

	var buffer = make([]dsa.InvocationRecord, 0, len(fields)-7)
	for _, tok := range fields[7:] {
		var parts = strings.Split(tok, ",")
		if len(parts) != 3 {
			return parsedRecord{}, fmt.Errorf("statscache: bad buffer entry %q", tok)
		}

		var ts, perr1 = strconv.ParseInt(parts[0], 10, 64)
		var tryct, perr2 = strconv.Atoi(parts[1])
		var step, perr3 = strconv.Atoi(parts[2])
		if perr1 != nil || perr2 != nil || perr3 != nil {
			return parsedRecord{}, fmt.Errorf("statscache: bad buffer entry %q", tok)
		}
		if tryct < 1 || tryct > dsa.MaxTriesCeiling || step < 0 || step > dsa.StepLast {
			return parsedRecord{}, fmt.Errorf("statscache: buffer entry out of range %q", tok)
		}

		buffer = append(buffer, dsa.InvocationRecord{EpochSeconds: ts, TryCount: tryct, RequiredStep: step})
	}

	return parsedRecord{
		bus:               registry.BusPath(bus),
		edidCheck:         byte(edidCheck),
		curStep:           curStep,
		lookback:          lookback,
		remainingInterval: remainingInterval,
		minOkStep:         minOkStep,
		foundFailureStep:  foundFailureBit == 1,
		buffer:            buffer,
	}, nil
}
