package target

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/worker"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

const (
	defaultMaxMessageLength = 8192
	defaultIdleTimeout      = 120 * time.Second
)

// Labels attached to every syslog entry. They are reserved, so they only
// reach the destination when a labels stage promotes them.
const (
	SyslogSeverityLabel = "__syslog_message_severity"
	SyslogFacilityLabel = "__syslog_message_facility"
	SyslogHostnameLabel = "__syslog_message_hostname"
	SyslogAppNameLabel  = "__syslog_message_app_name"
	SyslogProcIDLabel   = "__syslog_message_proc_id"
	SyslogMsgIDLabel    = "__syslog_message_msg_id"
	SyslogIPLabel       = "__syslog_connection_ip_address"
)

var severities = []string{"emergency", "alert", "critical", "error", "warning", "notice", "informational", "debug"}

var facilities = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// SyslogMessage is a parsed RFC5424 or RFC3164 message
type SyslogMessage struct {
	Facility  int
	Severity  int
	Timestamp time.Time
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	Message   string
}

var errNoPriority = errors.New("missing <PRI>")

// SyslogTarget receives syslog messages over TCP or UDP
type SyslogTarget struct {
	base
	cfg config.SyslogTargetConfig

	tcpLn   net.Listener
	udpConn net.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	running bool
}

// NewSyslogTarget creates a syslog target
func NewSyslogTarget(job string, cfg config.SyslogTargetConfig, next worker.Handler, collector *metrics.Collector, logger *logging.Logger) (*SyslogTarget, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("job %s: syslog listen_address must be set", job)
	}
	switch cfg.ListenProtocol {
	case "":
		cfg.ListenProtocol = "tcp"
	case "tcp", "udp":
	default:
		return nil, fmt.Errorf("job %s: unsupported syslog protocol %q", job, cfg.ListenProtocol)
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyslogTarget{
		base:   newBase(job, TypeSyslog, cfg.Labels, next, collector, logger),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener
func (s *SyslogTarget) Start() error {
	switch s.cfg.ListenProtocol {
	case "tcp":
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to start TCP listener: %w", err)
		}
		s.tcpLn = ln
		s.wg.Add(1)
		go s.acceptTCP()
	case "udp":
		conn, err := net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to start UDP listener: %w", err)
		}
		s.udpConn = conn
		s.wg.Add(1)
		go s.receiveUDP()
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.active(1)

	s.logger.Info().
		Str("protocol", s.cfg.ListenProtocol).
		Str("address", s.Addr()).
		Msg("Syslog receiver started")
	return nil
}

// Addr returns the bound address
func (s *SyslogTarget) Addr() string {
	switch {
	case s.tcpLn != nil:
		return s.tcpLn.Addr().String()
	case s.udpConn != nil:
		return s.udpConn.LocalAddr().String()
	}
	return s.cfg.ListenAddress
}

// Stop closes the listener and open connections
func (s *SyslogTarget) Stop() error {
	s.logger.Info().Msg("Stopping syslog receiver")
	s.cancel()

	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	if wasRunning {
		s.active(-1)
	}
	return nil
}

// Ready reports whether the listener is up
func (s *SyslogTarget) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns listener details
func (s *SyslogTarget) Status() Status {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	return Status{
		Job:    s.job,
		Type:   s.typ,
		Ready:  s.Ready(),
		Labels: s.labels,
		Details: map[string]any{
			"protocol":    s.cfg.ListenProtocol,
			"address":     s.Addr(),
			"connections": open,
		},
	}
}

func (s *SyslogTarget) acceptTCP() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("Failed to accept TCP connection")
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleTCP(conn)
	}
}

func (s *SyslogTarget) handleTCP(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := hostOf(conn.RemoteAddr())
	s.logger.Debug().Str("client", remote).Msg("New TCP connection")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxMessageLength+16)
	scanner.Split(splitSyslogFrames)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scanner.Scan() {
			break
		}
		if err := s.handleMessage(scanner.Text(), remote); err != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("client", remote).Msg("TCP connection closed")
	}
}

func (s *SyslogTarget) receiveUDP() {
	defer s.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("Error reading from UDP")
				continue
			}
		}

		msg := string(bytes.TrimRight(buf[:n], "\r\n"))
		if len(msg) > s.cfg.MaxMessageLength {
			msg = msg[:s.cfg.MaxMessageLength]
		}
		if err := s.handleMessage(msg, hostOf(addr)); err != nil {
			return
		}
	}
}

// handleMessage parses one frame and hands it off. Only a stopped pipeline
// is an error; unparsable messages are shipped raw.
func (s *SyslogTarget) handleMessage(raw, remote string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	msg, err := ParseSyslog(raw)
	if err != nil {
		s.logger.Debug().Err(err).Str("client", remote).Msg("Failed to parse syslog message")
		msg = &SyslogMessage{Message: raw, Severity: -1}
	}

	now := time.Now()
	ts := now
	if s.cfg.UseIncomingTimestamp && !msg.Timestamp.IsZero() {
		ts = msg.Timestamp
	}

	e := types.NewEntry("syslog:"+remote, msg.Message, ts, s.labels)
	for name, value := range msg.labels() {
		e.Labels[name] = value
		e.Extracted[name] = value
	}
	e.Labels[SyslogIPLabel] = remote
	e.Extracted[SyslogIPLabel] = remote

	if err := s.next.Handle(s.ctx, e); err != nil {
		return err
	}
	s.received(1)
	return nil
}

func (m *SyslogMessage) labels() map[string]string {
	out := make(map[string]string, 6)
	if m.Severity >= 0 && m.Severity < len(severities) {
		out[SyslogSeverityLabel] = severities[m.Severity]
		if m.Facility >= 0 && m.Facility < len(facilities) {
			out[SyslogFacilityLabel] = facilities[m.Facility]
		}
	}
	set := func(name, value string) {
		if value != "" && value != "-" {
			out[name] = value
		}
	}
	set(SyslogHostnameLabel, m.Hostname)
	set(SyslogAppNameLabel, m.AppName)
	set(SyslogProcIDLabel, m.ProcID)
	set(SyslogMsgIDLabel, m.MsgID)
	return out
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// splitSyslogFrames splits a TCP stream into messages. Frames starting with a
// digit use octet counting ("<len> <msg>"), everything else is newline
// delimited.
func splitSyslogFrames(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	if data[0] >= '0' && data[0] <= '9' {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			if atEOF {
				return len(data), nil, fmt.Errorf("incomplete octet count")
			}
			return 0, nil, nil
		}
		n, err := strconv.Atoi(string(data[:sp]))
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("invalid octet count %q", data[:sp])
		}
		end := sp + 1 + n
		if len(data) < end {
			if atEOF {
				return len(data), nil, fmt.Errorf("truncated frame")
			}
			return 0, nil, nil
		}
		return end, bytes.TrimRight(data[sp+1:end], "\r\n"), nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF {
		return len(data), bytes.TrimRight(data, "\r"), nil
	}
	return 0, nil, nil
}

// ParseSyslog parses an RFC5424 message, falling back to RFC3164
func ParseSyslog(raw string) (*SyslogMessage, error) {
	if !strings.HasPrefix(raw, "<") {
		return nil, errNoPriority
	}
	end := strings.IndexByte(raw, '>')
	if end < 2 || end > 4 {
		return nil, errNoPriority
	}
	pri, err := strconv.Atoi(raw[1:end])
	if err != nil || pri > 191 {
		return nil, fmt.Errorf("invalid priority %q", raw[1:end])
	}

	msg := &SyslogMessage{Facility: pri / 8, Severity: pri % 8}
	rest := raw[end+1:]

	if strings.HasPrefix(rest, "1 ") {
		return msg, parseRFC5424(msg, rest[2:])
	}
	parseRFC3164(msg, rest)
	return msg, nil
}

// parseRFC5424 parses TIMESTAMP HOSTNAME APP-NAME PROCID MSGID SD MSG
func parseRFC5424(msg *SyslogMessage, rest string) error {
	fields := strings.SplitN(rest, " ", 6)
	if len(fields) < 6 {
		return fmt.Errorf("rfc5424: expected 6 header fields, got %d", len(fields))
	}

	if fields[0] != "-" {
		ts, err := time.Parse(time.RFC3339Nano, fields[0])
		if err != nil {
			return fmt.Errorf("rfc5424: invalid timestamp: %w", err)
		}
		msg.Timestamp = ts
	}
	msg.Hostname = fields[1]
	msg.AppName = fields[2]
	msg.ProcID = fields[3]
	msg.MsgID = fields[4]

	body, err := skipStructuredData(fields[5])
	if err != nil {
		return err
	}
	msg.Message = strings.TrimPrefix(body, "\ufeff")
	return nil
}

// skipStructuredData returns what follows the STRUCTURED-DATA field
func skipStructuredData(s string) (string, error) {
	if strings.HasPrefix(s, "-") {
		return strings.TrimPrefix(s[1:], " "), nil
	}
	if !strings.HasPrefix(s, "[") {
		return "", fmt.Errorf("rfc5424: invalid structured data")
	}

	inElement, escaped := false, false
	inValue := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inValue && c == '\\':
			escaped = true
		case c == '"' && inElement:
			inValue = !inValue
		case c == '[' && !inValue:
			inElement = true
		case c == ']' && !inValue:
			inElement = false
			if i+1 == len(s) {
				return "", nil
			}
			if s[i+1] == ' ' {
				return s[i+2:], nil
			}
		}
	}
	return "", fmt.Errorf("rfc5424: unterminated structured data")
}

// parseRFC3164 parses "Mmm dd hh:mm:ss HOSTNAME TAG[PID]: MSG". Missing parts
// leave the remainder as the message.
func parseRFC3164(msg *SyslogMessage, rest string) {
	msg.Message = rest
	if len(rest) < len(time.Stamp) {
		return
	}

	ts, err := time.ParseInLocation(time.Stamp, rest[:len(time.Stamp)], time.Local)
	if err != nil {
		return
	}
	now := time.Now()
	ts = ts.AddDate(now.Year(), 0, 0)
	if ts.After(now.Add(24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	msg.Timestamp = ts

	rest = strings.TrimPrefix(rest[len(time.Stamp):], " ")
	host, rest, ok := strings.Cut(rest, " ")
	if !ok {
		msg.Message = host
		return
	}
	msg.Hostname = host
	msg.Message = rest

	tag, body, ok := strings.Cut(rest, ": ")
	if !ok || strings.ContainsAny(tag, " ") {
		return
	}
	if open := strings.IndexByte(tag, '['); open > 0 && strings.HasSuffix(tag, "]") {
		msg.ProcID = tag[open+1 : len(tag)-1]
		tag = tag[:open]
	}
	msg.AppName = tag
	msg.Message = body
}
