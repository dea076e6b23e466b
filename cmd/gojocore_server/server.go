package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/indexing/btree"
	"github.com/sushant-115/gojocore/core/storage_engine/engine"
	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

const (
	defaultScanLimit = 100
	vacuumWorkers    = 4
)

// Request represents a parsed client request.
type Request struct {
	Command string
	Index   string
	// Rel is set by OPEN.
	Rel   smgr.RelFileLocator
	Kinds []btree.Kind
	TIDs  []btree.ItemPointer
	Keys  []string
	Limit int
}

// Response represents a server's reply to a client request.
type Response struct {
	Status  string // OK, ERROR, NOT_FOUND
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Status
	}
	return r.Status + " " + r.Message
}

func errorResponse(format string, args ...any) Response {
	return Response{Status: "ERROR", Message: fmt.Sprintf(format, args...)}
}

// --- Parsing ---

func parseKinds(s string) ([]btree.Kind, error) {
	var kinds []btree.Kind
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(name) {
		case "int4", "int32":
			kinds = append(kinds, btree.KindInt32)
		case "int8", "int64":
			kinds = append(kinds, btree.KindInt64)
		case "text":
			kinds = append(kinds, btree.KindText)
		default:
			return nil, fmt.Errorf("unknown key type %q", name)
		}
	}
	return kinds, nil
}

// parseTID accepts "(block,offset)" or "block,offset".
func parseTID(s string) (btree.ItemPointer, error) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(s, "("), ")"), ",")
	if len(parts) != 2 {
		return btree.ItemPointer{}, fmt.Errorf("invalid tuple id %q", s)
	}
	blk, err1 := strconv.ParseUint(parts[0], 10, 32)
	off, err2 := strconv.ParseUint(parts[1], 10, 16)
	if err1 != nil || err2 != nil || off == 0 {
		return btree.ItemPointer{}, fmt.Errorf("invalid tuple id %q", s)
	}
	return btree.ItemPointer{Block: pagemanager.BlockNumber(blk), Offset: pagemanager.OffsetNumber(off)}, nil
}

// parseRel accepts "spc/db/rel".
func parseRel(s string) (smgr.RelFileLocator, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return smgr.RelFileLocator{}, fmt.Errorf("invalid relation %q, expected spc/db/rel", s)
	}
	var oids [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return smgr.RelFileLocator{}, fmt.Errorf("invalid relation %q: %w", s, err)
		}
		oids[i] = uint32(v)
	}
	return smgr.RelFileLocator{SpcOid: oids[0], DbOid: oids[1], RelNumber: oids[2]}, nil
}

// scanEntrySep separates entries in a SCAN response.
const scanEntrySep = "; "

// parseRequest parses a raw string command into a Request struct.
//
//	CREATE <index> <type>[,<type>...]
//	OPEN <index> <spc/db/rel> <type>[,<type>...]
//	INSERT <index> <block,offset> <key>...
//	LOOKUP <index> <key>...
//	SCAN <index> [limit]
//	VACUUM <block,offset>...
//	CHECKPOINT
//	INDEXES
func parseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, errors.New("empty command")
	}
	command := strings.ToUpper(parts[0])
	req := Request{Command: command}
	args := parts[1:]

	var err error
	switch command {
	case "CREATE":
		if len(args) != 2 {
			return Request{}, errors.New("CREATE requires an index name and key types")
		}
		req.Index = args[0]
		req.Kinds, err = parseKinds(args[1])
	case "OPEN":
		if len(args) != 3 {
			return Request{}, errors.New("OPEN requires an index name, a relation and key types")
		}
		req.Index = args[0]
		if req.Rel, err = parseRel(args[1]); err != nil {
			return Request{}, err
		}
		req.Kinds, err = parseKinds(args[2])
	case "INSERT":
		if len(args) < 3 {
			return Request{}, errors.New("INSERT requires an index name, a tuple id and key values")
		}
		req.Index = args[0]
		tid, perr := parseTID(args[1])
		if perr != nil {
			return Request{}, perr
		}
		req.TIDs = []btree.ItemPointer{tid}
		req.Keys = args[2:]
	case "LOOKUP":
		if len(args) < 2 {
			return Request{}, errors.New("LOOKUP requires an index name and key values")
		}
		req.Index = args[0]
		req.Keys = args[1:]
	case "SCAN":
		if len(args) < 1 || len(args) > 2 {
			return Request{}, errors.New("SCAN requires an index name and an optional limit")
		}
		req.Index = args[0]
		req.Limit = defaultScanLimit
		if len(args) == 2 {
			if req.Limit, err = strconv.Atoi(args[1]); err != nil || req.Limit <= 0 {
				return Request{}, fmt.Errorf("invalid scan limit %q", args[1])
			}
		}
	case "VACUUM":
		if len(args) == 0 {
			return Request{}, errors.New("VACUUM requires at least one tuple id")
		}
		for _, a := range args {
			tid, perr := parseTID(a)
			if perr != nil {
				return Request{}, perr
			}
			req.TIDs = append(req.TIDs, tid)
		}
	case "CHECKPOINT", "INDEXES":
		if len(args) != 0 {
			return Request{}, fmt.Errorf("%s takes no arguments", command)
		}
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func keyValues(desc *btree.TupleDesc, raw []string, prefix bool) ([]btree.Datum, error) {
	if len(raw) > desc.NAtts() || (!prefix && len(raw) != desc.NAtts()) {
		return nil, fmt.Errorf("got %d key values for %d attributes", len(raw), desc.NAtts())
	}
	keys := make([]btree.Datum, len(raw))
	for i, s := range raw {
		switch kind := desc.Attrs[i].Kind; kind {
		case btree.KindText:
			keys[i] = btree.Text(s)
		default:
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q", kind, s)
			}
			keys[i] = btree.Datum{Kind: kind, Int: v}
		}
	}
	return keys, nil
}

func indexConfig(name string, rel smgr.RelFileLocator, kinds []btree.Kind) btree.Config {
	attrs := make([]btree.Attribute, len(kinds))
	for i, k := range kinds {
		attrs[i] = btree.Attribute{Name: fmt.Sprintf("k%d", i+1), Kind: k}
	}
	return btree.Config{Name: name, Rel: rel, Desc: btree.NewTupleDesc(attrs...)}
}

// --- Server ---

// Server answers the line protocol over an engine.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
	tracer trace.Tracer

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer returns a server over e.
func NewServer(e *engine.Engine, logger *zap.Logger, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, logger: logger.Named("server"), tracer: tracer, conns: make(map[net.Conn]struct{})}
}

// handleRequest processes a parsed Request and returns a Response.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "server."+strings.ToLower(req.Command),
			trace.WithAttributes(attribute.String("index", req.Index)))
		defer span.End()
		resp := s.dispatch(ctx, req)
		if resp.Status == "ERROR" {
			span.SetStatus(codes.Error, resp.Message)
		}
		return resp
	}
	return s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "CREATE":
		ix, err := s.engine.CreateIndex(ctx, indexConfig(req.Index, smgr.RelFileLocator{}, req.Kinds), nil)
		if err != nil {
			return errorResponse("CREATE failed: %v", err)
		}
		return Response{Status: "OK", Message: ix.Rel().String()}
	case "OPEN":
		ix, err := s.engine.OpenIndex(indexConfig(req.Index, req.Rel, req.Kinds), nil)
		if err != nil {
			return errorResponse("OPEN failed: %v", err)
		}
		return Response{Status: "OK", Message: ix.Rel().String()}
	case "CHECKPOINT":
		stats, err := s.engine.Checkpoint(ctx)
		if err != nil {
			return errorResponse("CHECKPOINT failed: %v", err)
		}
		return Response{Status: "OK", Message: fmt.Sprintf("checkpoint at %s, redo %s, %d buffers written",
			wal.FormatLSN(stats.LSN), wal.FormatLSN(stats.Redo), stats.BuffersWritten)}
	case "INDEXES":
		var names []string
		for _, ix := range s.engine.Indexes() {
			names = append(names, ix.Name()+"="+ix.Rel().String())
		}
		return Response{Status: "OK", Message: strings.Join(names, " ")}
	case "VACUUM":
		dead := make(map[btree.ItemPointer]struct{}, len(req.TIDs))
		for _, tid := range req.TIDs {
			dead[tid] = struct{}{}
		}
		results, err := s.engine.Vacuum(ctx, func(tid btree.ItemPointer) bool {
			_, ok := dead[tid]
			return ok
		}, vacuumWorkers)
		if err != nil {
			return errorResponse("VACUUM failed: %v", err)
		}
		var removed int64
		for _, r := range results {
			removed += r.Stats.TuplesRemoved
		}
		return Response{Status: "OK", Message: fmt.Sprintf("removed %d entries from %d indexes", removed, len(results))}
	}

	ix, err := s.engine.Index(req.Index)
	if err != nil {
		if errors.Is(err, engine.ErrIndexNotFound) {
			return Response{Status: "NOT_FOUND", Message: fmt.Sprintf("index %s not found", req.Index)}
		}
		return errorResponse("%v", err)
	}
	switch req.Command {
	case "INSERT":
		keys, err := keyValues(ix.Desc(), req.Keys, false)
		if err != nil {
			return errorResponse("INSERT failed: %v", err)
		}
		if _, err := ix.Insert(ctx, keys, req.TIDs[0], btree.InsertOptions{}); err != nil {
			return errorResponse("INSERT failed: %v", err)
		}
		return Response{Status: "OK"}
	case "LOOKUP":
		keys, err := keyValues(ix.Desc(), req.Keys, true)
		if err != nil {
			return errorResponse("LOOKUP failed: %v", err)
		}
		tids, err := ix.Lookup(ctx, keys)
		if err != nil {
			return errorResponse("LOOKUP failed: %v", err)
		}
		if len(tids) == 0 {
			return Response{Status: "NOT_FOUND", Message: fmt.Sprintf("key %s not found", strings.Join(req.Keys, " "))}
		}
		out := make([]string, len(tids))
		for i, tid := range tids {
			out[i] = tid.String()
		}
		return Response{Status: "OK", Message: strings.Join(out, " ")}
	case "SCAN":
		var out []string
		err := ix.Scan(ctx, nil, func(e btree.ScanEntry) bool {
			out = append(out, e.String())
			return len(out) < req.Limit
		})
		if err != nil {
			return errorResponse("SCAN failed: %v", err)
		}
		// keys may hold spaces
		return Response{Status: "OK", Message: strings.Join(out, scanEntrySep)}
	}
	return errorResponse("Unsupported command: %s", req.Command)
}

// Serve accepts connections on ln until ctx is done, then closes every
// open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection manages a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	s.logger.Info("client connected", zap.String("remote", remote))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				s.logger.Info("client disconnected", zap.String("remote", remote))
			} else {
				s.logger.Warn("failed to read from client", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}
		s.logger.Debug("received command", zap.String("remote", remote), zap.String("command", raw))

		var resp Response
		if req, err := parseRequest(raw); err != nil {
			resp = errorResponse("Invalid request: %v", err)
		} else {
			resp = s.handleRequest(ctx, req)
		}
		if _, err := io.WriteString(conn, resp.String()+"\n"); err != nil {
			s.logger.Warn("failed to write response", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}
