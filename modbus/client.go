package modbus

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"linecap/logging"
)

// DefaultPort is the standard Modbus TCP port.
const DefaultPort = 502

// Options configures a Client.
type Options struct {
	Address string        // host or dotted quad
	Port    int           // 0 means DefaultPort
	UnitID  byte          // 0 means 1
	Timeout time.Duration // 0 means no deadline on dial or reads
}

// Endpoint returns host:port for the options.
func (o Options) Endpoint() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(o.Address, strconv.Itoa(port))
}

// Client holds one Modbus TCP connection to one PLC.
// A Client is not shared between goroutines; each watcher owns its own.
type Client struct {
	opts    Options
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client

	mu        sync.Mutex
	connected bool
}

// NewClient creates a client. No connection is made until Connect.
func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// Endpoint returns the host:port this client dials.
func (c *Client) Endpoint() string {
	return c.opts.Endpoint()
}

// IsConnected reports whether Connect succeeded and Close has not been called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the PLC. Failures are returned as *ConnectionError.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	endpoint := c.opts.Endpoint()
	logging.DebugConnect("modbus", endpoint)

	handler := gomodbus.NewTCPClientHandler(endpoint)
	handler.Timeout = c.opts.Timeout
	handler.SlaveId = c.opts.UnitID
	if handler.SlaveId == 0 {
		handler.SlaveId = 1
	}
	if logging.GetGlobalDebugLogger() != nil {
		handler.Logger = log.New(logging.DebugWriter("modbus"), "", 0)
	}

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("modbus", endpoint, err)
		return &ConnectionError{Address: endpoint, Err: err}
	}

	c.handler = handler
	c.client = gomodbus.NewClient(handler)
	c.connected = true
	logging.DebugConnectSuccess("modbus", endpoint, fmt.Sprintf("unit %d", handler.SlaveId))
	return nil
}

// Close releases the connection. Safe to call repeatedly or before Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	if c.connected {
		logging.DebugDisconnect("modbus", c.opts.Endpoint(), "closed")
	}
	c.connected = false
	return err
}

func (c *Client) current() (gomodbus.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// ReadBits reads count bits from a coil or discrete input space.
func (c *Client) ReadBits(kind Kind, address, count uint16) ([]bool, error) {
	if !kind.IsBit() {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: ErrUnsupportedKind}
	}
	cl, err := c.current()
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}

	var data []byte
	if kind == KindCoil {
		data, err = cl.ReadCoils(address, count)
	} else {
		data, err = cl.ReadDiscreteInputs(address, count)
	}
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}

	bits, err := UnpackBits(data, int(count))
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}
	return bits, nil
}

// ReadWords reads count 16-bit registers from a holding or input space.
func (c *Client) ReadWords(kind Kind, address, count uint16) ([]uint16, error) {
	if !kind.IsWord() {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: ErrUnsupportedKind}
	}
	cl, err := c.current()
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}

	var data []byte
	if kind == KindHolding {
		data, err = cl.ReadHoldingRegisters(address, count)
	} else {
		data, err = cl.ReadInputRegisters(address, count)
	}
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}

	words, err := UnpackWords(data, int(count))
	if err != nil {
		return nil, &ReadError{Kind: kind, Address: address, Count: count, Err: err}
	}
	return words, nil
}

// UnpackBits expands a packed LSB-first bit response into count bools.
func UnpackBits(data []byte, count int) ([]bool, error) {
	if len(data)*8 < count {
		return nil, fmt.Errorf("short bit response: %d bytes for %d bits", len(data), count)
	}
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		bits[i] = data[i/8]>>(uint(i)%8)&1 == 1
	}
	return bits, nil
}

// UnpackWords decodes a big-endian register response into count words.
func UnpackWords(data []byte, count int) ([]uint16, error) {
	if len(data) < count*2 {
		return nil, fmt.Errorf("short register response: %d bytes for %d registers", len(data), count)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// Probe dials the PLC and closes the connection straight away.
// Used to report reachability without holding a connection.
func Probe(opts Options) error {
	c := NewClient(opts)
	if err := c.Connect(); err != nil {
		return err
	}
	return c.Close()
}
