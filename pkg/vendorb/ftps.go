package vendorb

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/printfleet/pkg/log"
)

// ftpsPort is Bambu's implicit-TLS control port (§6.3).
const ftpsPort = 990

// ftpsTimeout bounds every control/data socket operation.
const ftpsTimeout = 30 * time.Second

var pasvPattern = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// NormalizeFilename applies §6.4/§4.4's renaming rules: .3mf and
// .gcode are kept as-is, a known .gcode.3mf authoring bug is fixed to
// .3mf, anything else gets .gcode appended.
func NormalizeFilename(name string) string {
	switch {
	case strings.HasSuffix(name, ".gcode.3mf"):
		return strings.TrimSuffix(name, ".gcode.3mf") + ".3mf"
	case strings.HasSuffix(name, ".3mf"), strings.HasSuffix(name, ".gcode"):
		return name
	default:
		return name + ".gcode"
	}
}

// ftpsClient is a minimal FTP control connection speaking the literal
// command sequence Bambu's firmware expects. No third-party FTP
// client in the pack supports implicit TLS on the control channel
// plus a data connection that must resume the control channel's TLS
// session (Bambu rejects a fresh handshake on the data socket) — see
// SPEC_FULL.md for why `secsy/goftp` was rejected.
type ftpsClient struct {
	conn   *tls.Conn
	reader *bufio.Reader
	host   string

	// sessionCache lets the data-channel handshake resume the control
	// channel's TLS session, the Go analogue of Python's
	// `ssl_context.wrap_socket(..., session=secure_sock.session)`.
	sessionCache tls.ClientSessionCache
}

func dialFTPS(host string) (*ftpsClient, error) {
	cache := tls.NewLRUClientSessionCache(1)
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		ServerName:         host, // same cache key as the data connection's config
		ClientSessionCache: cache,
	}

	rawConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(ftpsPort)), ftpsTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, ftpsPort, err)
	}
	rawConn.SetDeadline(time.Now().Add(ftpsTimeout))

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", host, err)
	}

	c := &ftpsClient{conn: tlsConn, reader: bufio.NewReader(tlsConn), host: host, sessionCache: cache}

	if _, err := c.readResponse(); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("read welcome banner: %w", err)
	}
	return c, nil
}

func (c *ftpsClient) readResponse() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *ftpsClient) sendCommand(cmd string) (string, error) {
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	return c.readResponse()
}

func (c *ftpsClient) close() {
	c.conn.Close()
}

// openDataConn performs the PASV dance and TLS-wraps the data socket
// reusing the control channel's session, per §6.3.
func (c *ftpsClient) openDataConn() (*tls.Conn, error) {
	resp, err := c.sendCommand("PASV")
	if err != nil {
		return nil, fmt.Errorf("PASV: %w", err)
	}
	if !strings.HasPrefix(resp, "227") {
		return nil, fmt.Errorf("PASV failed: %s", resp)
	}

	m := pasvPattern.FindStringSubmatch(resp)
	if m == nil {
		return nil, fmt.Errorf("could not parse PASV response: %s", resp)
	}
	dataHost := fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	dataPort := p1*256 + p2

	rawData, err := net.DialTimeout("tcp", net.JoinHostPort(dataHost, strconv.Itoa(dataPort)), ftpsTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial data connection %s:%d: %w", dataHost, dataPort, err)
	}
	rawData.SetDeadline(time.Now().Add(ftpsTimeout))

	dataTLS := tls.Client(rawData, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		ServerName:         c.host,
		ClientSessionCache: c.sessionCache,
	})
	if err := dataTLS.Handshake(); err != nil {
		rawData.Close()
		return nil, fmt.Errorf("tls handshake data connection: %w", err)
	}
	return dataTLS, nil
}

// UploadFile streams content to a Bambu printer over FTPS, following
// the exact login/PASV/STOR-before-data-connection sequence the
// firmware requires (§6.3). remoteName should already be normalized
// via NormalizeFilename.
func UploadFile(host, accessCode, remoteName string, content []byte) error {
	c, err := dialFTPS(host)
	if err != nil {
		return err
	}
	defer c.close()

	resp, err := c.sendCommand("USER bblp")
	if err != nil {
		return fmt.Errorf("USER: %w", err)
	}
	if !strings.HasPrefix(resp, "331") {
		return fmt.Errorf("USER command failed: %s", resp)
	}

	resp, err = c.sendCommand("PASS " + accessCode)
	if err != nil {
		return fmt.Errorf("PASS: %w", err)
	}
	if !strings.HasPrefix(resp, "230") {
		return fmt.Errorf("login failed: %s", resp)
	}

	resp, err = c.sendCommand("PROT P")
	if err != nil {
		return fmt.Errorf("PROT P: %w", err)
	}
	if !strings.HasPrefix(resp, "200") {
		log.WithComponent("vendorb-ftps").Warn().Str("response", resp).Msg("PROT P warning")
	}

	resp, err = c.sendCommand("TYPE I")
	if err != nil {
		return fmt.Errorf("TYPE I: %w", err)
	}
	if !strings.HasPrefix(resp, "200") {
		return fmt.Errorf("TYPE I failed: %s", resp)
	}

	data, err := c.openDataConn()
	if err != nil {
		return fmt.Errorf("open data connection: %w", err)
	}

	// STOR must be sent on the control channel before the data is
	// streamed; its response only arrives after the data connection
	// closes (§6.3).
	if _, err := c.conn.Write([]byte("STOR " + remoteName + "\r\n")); err != nil {
		data.Close()
		return fmt.Errorf("send STOR: %w", err)
	}

	const chunkSize = 8192
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if _, err := data.Write(content[off:end]); err != nil {
			data.Close()
			return fmt.Errorf("stream file data: %w", err)
		}
	}
	data.Close()

	resp, err = c.readResponse()
	if err != nil {
		return fmt.Errorf("read STOR response: %w", err)
	}
	if !strings.HasPrefix(resp, "226") {
		log.WithComponent("vendorb-ftps").Warn().Str("response", resp).Str("file", remoteName).Msg("unexpected STOR response")
	}

	resp, err = c.sendCommand("SIZE " + remoteName)
	if err == nil && strings.HasPrefix(resp, "213") {
		fields := strings.Fields(resp)
		if len(fields) >= 2 {
			if remoteSize, convErr := strconv.Atoi(fields[1]); convErr == nil && remoteSize != len(content) {
				log.WithComponent("vendorb-ftps").Warn().Int("local_size", len(content)).Int("remote_size", remoteSize).Msg("size mismatch after upload")
			}
		}
	}

	c.sendCommand("QUIT")
	return nil
}
