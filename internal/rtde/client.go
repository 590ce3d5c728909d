// Package rtde implements the Real-Time Data Exchange protocol client
// (port 30004), the controller's binary streaming interface.
//
// Every message is framed as a big-endian u16 length (total, header
// included), one type byte, and the body. The session handshake is:
// negotiate protocol version 2, set up an output recipe (the ordered list
// of variables the controller will stream), then start synchronization.
// After that the controller pushes one DataPackage per cycle at up to
// 125 Hz; the body is the recipe ID byte followed by the variable values
// packed in recipe order.
package rtde

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/urerr"
)

// MessageType identifies an RTDE frame.
type MessageType uint8

// RTDE message type bytes, per the Universal Robots RTDE specification.
const (
	MsgRequestProtocolVersion     MessageType = 86
	MsgTextMessage                MessageType = 77
	MsgDataPackage                MessageType = 85
	MsgControlPackageSetupOutputs MessageType = 79
	MsgControlPackageSetupInputs  MessageType = 78
	MsgControlPackageStart        MessageType = 83
	MsgControlPackagePause        MessageType = 84
)

// headerSize is the frame header: u16 length + u8 type.
const headerSize = 3

const dialTimeout = 5 * time.Second

// ProtocolVersion is the RTDE protocol version this client speaks.
const ProtocolVersion uint16 = 2

// SampleRateHz is the output frequency requested from the controller.
const SampleRateHz = 125.0

// EnhancedRecipe streams pose, joints, and the three state enums. Requires
// recent controller firmware.
var EnhancedRecipe = []string{
	"timestamp",
	"actual_q",
	"actual_TCP_pose",
	"robot_mode",
	"safety_mode",
	"runtime_state",
}

// BasicRecipe is the fallback for firmware that rejects the state enums.
var BasicRecipe = []string{
	"timestamp",
	"actual_q",
	"actual_TCP_pose",
}

// Client speaks the RTDE protocol. Owned exclusively by the monitor task.
type Client struct {
	host     string
	port     int
	conn     net.Conn
	vars     []string
	varTypes []string
	recipeID byte
	logger   *zap.Logger
}

// New creates an RTDE client. Call Connect before use.
func New(host string, port int, logger *zap.Logger) *Client {
	return &Client{
		host:   host,
		port:   port,
		logger: logger.Named("rtde"),
	}
}

// Connect opens the TCP connection to the RTDE port.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), dialTimeout)
	if err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to connect to RTDE %s:%d: %v", c.host, c.port, err)
	}
	c.conn = conn
	return nil
}

// Close closes the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Recipe returns the negotiated variable names and their type tags, valid
// after a successful SetupOutputRecipe.
func (c *Client) Recipe() (vars, types []string) {
	return c.vars, c.varTypes
}

func (c *Client) send(t MessageType, payload []byte) error {
	if c.conn == nil {
		return urerr.Wrap(urerr.ErrConnection, "RTDE not connected")
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header, uint16(len(payload)+headerSize))
	header[2] = byte(t)

	if _, err := c.conn.Write(header); err != nil {
		return urerr.Wrap(urerr.ErrConnection, "failed to send RTDE header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return urerr.Wrap(urerr.ErrConnection, "failed to send RTDE payload: %v", err)
		}
	}
	return nil
}

func (c *Client) receive() (MessageType, []byte, error) {
	if c.conn == nil {
		return 0, nil, urerr.Wrap(urerr.ErrConnection, "RTDE not connected")
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, urerr.Wrap(urerr.ErrConnection, "failed to read RTDE header: %v", err)
	}

	size := binary.BigEndian.Uint16(header)
	t := MessageType(header[2])
	if size < headerSize {
		return 0, nil, urerr.Wrap(urerr.ErrProtocol, "RTDE frame length %d shorter than header", size)
	}

	switch t {
	case MsgRequestProtocolVersion, MsgTextMessage, MsgDataPackage,
		MsgControlPackageSetupOutputs, MsgControlPackageSetupInputs,
		MsgControlPackageStart, MsgControlPackagePause:
	default:
		return 0, nil, urerr.Wrap(urerr.ErrProtocol, "unknown RTDE message type: %d", header[2])
	}

	payload := make([]byte, int(size)-headerSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return 0, nil, urerr.Wrap(urerr.ErrConnection, "failed to read RTDE payload: %v", err)
		}
	}
	return t, payload, nil
}

// NegotiateProtocolVersion requests the given protocol version. The
// controller confirms with a reply of the same type whose first body byte
// is 1.
func (c *Client) NegotiateProtocolVersion(version uint16) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, version)
	if err := c.send(MsgRequestProtocolVersion, payload); err != nil {
		return err
	}

	t, body, err := c.receive()
	if err != nil {
		return err
	}
	if t == MsgRequestProtocolVersion && len(body) > 0 && body[0] == 1 {
		return nil
	}
	return urerr.Wrap(urerr.ErrProtocol, "protocol version negotiation failed")
}

// SetupOutputRecipe declares the variables the controller should stream and
// the requested frequency. The reply carries the recipe ID byte and the
// comma-joined type tags, aligned positionally with the variable names;
// both are persisted for data-package decoding.
func (c *Client) SetupOutputRecipe(vars []string, freqHz float64) error {
	payload := make([]byte, 8, 8+len(vars)*16)
	binary.BigEndian.PutUint64(payload, math.Float64bits(freqHz))
	payload = append(payload, []byte(strings.Join(vars, ","))...)

	if err := c.send(MsgControlPackageSetupOutputs, payload); err != nil {
		return err
	}

	t, body, err := c.receive()
	if err != nil {
		return err
	}
	if t != MsgControlPackageSetupOutputs || len(body) == 0 {
		return urerr.Wrap(urerr.ErrProtocol, "output recipe setup failed")
	}

	c.recipeID = body[0]
	c.vars = vars
	c.varTypes = strings.Split(string(body[1:]), ",")

	// A NOT_FOUND tag means the controller does not know one of the
	// requested variables — old firmware rejecting the enhanced recipe.
	for i, vt := range c.varTypes {
		if vt == "NOT_FOUND" {
			name := "?"
			if i < len(c.vars) {
				name = c.vars[i]
			}
			return urerr.Wrap(urerr.ErrProtocol, "controller does not provide variable %q", name)
		}
	}
	return nil
}

// Start begins data synchronization. The controller confirms with a reply
// whose body byte is 1; data packages follow.
func (c *Client) Start() error {
	if err := c.send(MsgControlPackageStart, nil); err != nil {
		return err
	}

	t, body, err := c.receive()
	if err != nil {
		return err
	}
	if t == MsgControlPackageStart && len(body) > 0 && body[0] == 1 {
		return nil
	}
	return urerr.Wrap(urerr.ErrProtocol, "failed to start data synchronization")
}

// Pause suspends data synchronization.
func (c *Client) Pause() error {
	if err := c.send(MsgControlPackagePause, nil); err != nil {
		return err
	}
	t, body, err := c.receive()
	if err != nil {
		return err
	}
	if t == MsgControlPackagePause && len(body) > 0 && body[0] == 1 {
		return nil
	}
	return urerr.Wrap(urerr.ErrProtocol, "failed to pause data synchronization")
}

// ReadDataPackage blocks for the next DataPackage frame and decodes it
// against the persisted recipe. Frames of other types (e.g. TextMessage)
// are skipped.
func (c *Client) ReadDataPackage() (map[string][]float64, error) {
	for {
		t, body, err := c.receive()
		if err != nil {
			return nil, err
		}
		if t != MsgDataPackage {
			c.logger.Debug("skipping non-data RTDE frame", zap.Uint8("type", uint8(t)))
			continue
		}
		if len(body) == 0 {
			return nil, urerr.Wrap(urerr.ErrProtocol, "empty data package")
		}
		if body[0] != c.recipeID {
			c.logger.Debug("data package for unexpected recipe", zap.Uint8("recipe_id", body[0]))
		}
		return DecodePackage(c.vars, c.varTypes, body[1:])
	}
}

// DecodePackage decodes a data-package body (recipe ID already stripped)
// by walking the type list. Every value is widened to float64 and exposed
// as a vector so callers handle one uniform shape.
func DecodePackage(vars, varTypes []string, data []byte) (map[string][]float64, error) {
	result := make(map[string][]float64, len(vars))
	offset := 0

	for i, varType := range varTypes {
		if i >= len(vars) {
			return nil, urerr.Wrap(urerr.ErrProtocol, "variable name missing for type entry %d", i)
		}
		name := vars[i]

		switch varType {
		case "VECTOR6D":
			if offset+48 > len(data) {
				return nil, urerr.Wrap(urerr.ErrProtocol, "insufficient data for VECTOR6D")
			}
			values := make([]float64, 6)
			for j := range values {
				bits := binary.BigEndian.Uint64(data[offset+j*8:])
				values[j] = math.Float64frombits(bits)
			}
			result[name] = values
			offset += 48

		case "DOUBLE":
			if offset+8 > len(data) {
				return nil, urerr.Wrap(urerr.ErrProtocol, "insufficient data for DOUBLE")
			}
			bits := binary.BigEndian.Uint64(data[offset:])
			result[name] = []float64{math.Float64frombits(bits)}
			offset += 8

		case "INT32":
			if offset+4 > len(data) {
				return nil, urerr.Wrap(urerr.ErrProtocol, "insufficient data for INT32")
			}
			v := int32(binary.BigEndian.Uint32(data[offset:]))
			result[name] = []float64{float64(v)}
			offset += 4

		case "UINT32":
			if offset+4 > len(data) {
				return nil, urerr.Wrap(urerr.ErrProtocol, "insufficient data for UINT32")
			}
			v := binary.BigEndian.Uint32(data[offset:])
			result[name] = []float64{float64(v)}
			offset += 4

		default:
			return nil, urerr.Wrap(urerr.ErrProtocol, "unsupported variable type: %s", varType)
		}
	}

	return result, nil
}

