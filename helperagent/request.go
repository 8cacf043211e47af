// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/bureau-foundation/passenger/lib/analytics"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/httpstatus"
	"github.com/bureau-foundation/passenger/lib/netutil"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
	"github.com/bureau-foundation/passenger/lib/scgi"
)

const readBufferSize = 16 * 1024

var (
	// ErrClientDisconnected reports that the web server closed the
	// request connection while the response was being written.
	ErrClientDisconnected = errors.New("helperagent: client disconnected")

	errResponseHeaderTooLarge = errors.New("response header too large")
	errIncompleteRequest      = errors.New("connection closed before the request header was complete")
)

// handleConnection serves one request connection and closes it. Panics
// are confined to the request.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	started := s.clock.Now()
	result := resultPanic
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic while handling request",
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			result = resultPanic
		}
		s.metrics.requests.WithLabelValues(result).Inc()
		s.metrics.duration.Observe(s.clock.Now().Sub(started).Seconds())
		conn.Close()
	}()
	result = s.handleRequest(ctx, conn)
}

// handleRequest runs the request pipeline and returns its result label.
func (s *Server) handleRequest(ctx context.Context, conn net.Conn) string {
	if !s.authenticate(conn) {
		return resultUnauthorized
	}

	headers, body, err := readRequest(conn)
	if err != nil {
		var parseErr *scgi.ParseError
		switch {
		case errors.As(err, &parseErr) && parseErr.Reason == scgi.LimitReached:
			s.warn("SCGI header too large")
		case netutil.IsExpectedCloseError(err) || errors.Is(err, errIncompleteRequest):
			s.logger.Debug("client went away before sending a request", "error", err)
		default:
			s.warn("invalid SCGI header", "error", err)
		}
		return resultMalformed
	}

	options, err := optionsFromHeaders(headers)
	if err != nil {
		s.warn("cannot derive pool options from request", "error", err)
		return resultMalformed
	}

	txn := analytics.Null()
	if options.Analytics {
		txn = s.analytics.NewTransaction(options.EffectiveGroupName(), analytics.DefaultCategory,
			options.UnionStationKey, headers.Get("UNION_STATION_FILTERS"))
	}
	defer txn.Close()
	options.Transaction = txn
	processing := txn.Scope("request processing")
	defer processing.Close()
	txn.Message("URI: " + headers.Get("REQUEST_URI"))

	logger := s.logger.With("app_root", options.AppRoot, "uri", headers.Get("REQUEST_URI"))

	session, err := s.checkout(ctx, options, txn)
	if err != nil {
		var spawnErr *apppool.SpawnError
		switch {
		case errors.As(err, &spawnErr):
			logger.Error("cannot spawn application", "error", err)
			friendly := headers.Get("PASSENGER_FRIENDLY_ERROR_PAGES") == "true"
			response := spawnErrorResponse(spawnErr, printStatusLine(headers), friendly)
			if _, err := conn.Write(response); err != nil && !netutil.IsExpectedCloseError(err) {
				logger.Warn("writing spawn error response", "error", err)
			}
			return resultSpawnError
		case errors.Is(err, apppool.ErrBusy):
			logger.Warn("no application worker became available", "error", err)
			return resultBusy
		default:
			logger.Error("cannot check out an application worker", "error", err)
			return resultError
		}
	}
	defer session.Close()
	logger = logger.With("pid", session.PID())

	err = s.proxy(conn, session, headers, body, txn)
	switch {
	case err == nil:
		processing.Success()
		return resultOK
	case errors.Is(err, ErrClientDisconnected):
		logger.Warn("client disconnected while the response was being sent", "error", err)
		return resultClientDisconnected
	case netutil.IsTimeout(err):
		logger.Error("application worker timed out; retiring it", "error", err)
		return resultWorkerTimeout
	default:
		logger.Error("proxying request", "error", err)
		return resultError
	}
}

// authenticate reads the request socket password.
func (s *Server) authenticate(conn net.Conn) bool {
	password := make([]byte, RequestSocketPasswordSize)
	if _, err := io.ReadFull(conn, password); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.warn("reading request socket password", "error", err)
		}
		return false
	}
	if !s.password.Equal(password) {
		s.warn("client supplied a wrong request socket password")
		return false
	}
	return true
}

// readRequest reads the SCGI header block and returns it with the body
// bytes that arrived in the same reads.
func readRequest(conn net.Conn) (*scgi.Headers, []byte, error) {
	parser := scgi.NewParser(scgi.DefaultMaxSize)
	buf := make([]byte, readBufferSize)
	for parser.AcceptingInput() {
		n, err := conn.Read(buf)
		if n > 0 {
			consumed := parser.Feed(buf[:n])
			if parser.State() == scgi.Done {
				return parser.Headers(), bytes.Clone(buf[consumed:n]), nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, nil, errIncompleteRequest
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, parser.Err()
}

// checkout gets a session, bounded by the checkout timeout.
func (s *Server) checkout(ctx context.Context, options pooloptions.Options, txn *analytics.Transaction) (*apppool.Session, error) {
	scope := txn.Scope("get from pool")
	defer scope.Close()

	if s.checkoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.checkoutTimeout)
		defer cancel()
	}
	session, err := s.pool.Checkout(ctx, options)
	if err != nil {
		return nil, err
	}
	scope.Success()
	txn.Messagef("Application PID: %d (GUPID: %s)", session.PID(), session.GUPID())
	return session, nil
}

// proxy forwards the request to the worker and relays the response.
func (s *Server) proxy(conn net.Conn, session *apppool.Session, headers *scgi.Headers, body []byte, txn *analytics.Transaction) error {
	scope := txn.Scope("request proxying")
	defer scope.Close()

	headers.Set("PASSENGER_CONNECT_PASSWORD", session.ConnectPassword())
	headers.Set("PASSENGER_GROUP_NAME", session.GroupName())
	if !txn.IsNull() {
		headers.Set("PASSENGER_TXN_ID", txn.ID())
	}

	if err := sendHeaders(session, headers, txn); err != nil {
		return err
	}
	if err := sendBody(session, conn, body, contentLength(headers), txn); err != nil {
		return err
	}
	if err := session.ShutdownWriter(); err != nil {
		session.Fail()
		return err
	}
	if err := forwardResponse(conn, session, headers, txn); err != nil {
		return err
	}
	scope.Success()
	return nil
}

func sendHeaders(session *apppool.Session, headers *scgi.Headers, txn *analytics.Transaction) error {
	scope := txn.Scope("send request headers")
	defer scope.Close()
	if err := session.SendHeaders(headers.AppendData(nil)); err != nil {
		session.Fail()
		return err
	}
	scope.Success()
	return nil
}

// sendBody streams up to length bytes of body: first the bytes read
// along with the header, then the rest from the client. A client that
// closes early ends the body.
func sendBody(session *apppool.Session, conn net.Conn, buffered []byte, length int64, txn *analytics.Transaction) error {
	scope := txn.Scope("send request body")
	defer scope.Close()

	source := io.LimitReader(io.MultiReader(bytes.NewReader(buffered), conn), length)
	buf := make([]byte, readBufferSize)
	for {
		n, err := source.Read(buf)
		if n > 0 {
			if sendErr := session.SendBodyBlock(buf[:n]); sendErr != nil {
				session.Fail()
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				break
			}
			return fmt.Errorf("reading request body: %w", err)
		}
	}
	scope.Success()
	return nil
}

// contentLength parses CONTENT_LENGTH; a missing or invalid value is 0.
func contentLength(headers *scgi.Headers) int64 {
	length, err := strconv.ParseInt(strings.TrimSpace(headers.Get("CONTENT_LENGTH")), 10, 64)
	if err != nil || length < 0 {
		return 0
	}
	return length
}

// printStatusLine reports whether the web server wants the response to
// start with an HTTP status line.
func printStatusLine(headers *scgi.Headers) bool {
	value := headers.Get("PASSENGER_STATUS_LINE")
	return value == "" || value == "true"
}

// forwardResponse relays the worker's CGI-style response. Nothing is
// written until the header block is complete; it is then sent with a
// status line and a Server header, followed by the body as it arrives.
func forwardResponse(conn net.Conn, session *apppool.Session, headers *scgi.Headers, txn *analytics.Transaction) error {
	extractor := httpstatus.New()
	stream := session.Stream()
	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if extractor.Done() {
				if err := writeClient(conn, buf[:n]); err != nil {
					return err
				}
			} else if extractor.Feed(buf[:n]) {
				txn.Message("Status: " + strings.TrimSuffix(extractor.StatusLine(), "\r\n"))
				if err := writeClient(conn, responseHead(extractor, headers)); err != nil {
					return err
				}
			} else if len(extractor.Buffer()) > scgi.DefaultMaxSize {
				session.Fail()
				return errResponseHeaderTooLarge
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			session.Fail()
			return fmt.Errorf("reading response from worker %d: %w", session.PID(), err)
		}
	}
}

func responseHead(extractor *httpstatus.Extractor, headers *scgi.Headers) []byte {
	headerBlock := extractor.HeaderBlock()
	if !extractor.HasHeader("Server") {
		headerBlock = withHeader(headerBlock, "Server", serverHeader(
			headers.Get("SERVER_SOFTWARE"),
			headers.Get("PASSENGER_SHOW_VERSION_IN_HEADER") == "true",
		))
	}
	var head []byte
	if printStatusLine(headers) {
		head = append(head, "HTTP/1.1 "...)
		head = append(head, extractor.StatusLine()...)
	}
	head = append(head, headerBlock...)
	return append(head, extractor.Rest()...)
}

func writeClient(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		if netutil.IsExpectedCloseError(err) {
			return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
		}
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}
