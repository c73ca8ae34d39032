// Package sim is a small in-process Modbus TCP PLC serving the four read
// functions. It backs the client tests and the plcsim bench tool.
package sim

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"linecap/logging"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
	exceptionDeviceFailure   = 0x04
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Server is a Modbus TCP server with one bank of each address space.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool

	failing  atomic.Bool
	requests atomic.Int64
}

// NewServer constructs a server with full 16-bit address spaces.
func NewServer() *Server {
	return &Server{
		holding:  make([]uint16, 65536),
		input:    make([]uint16, 65536),
		coils:    make([]bool, 65536),
		discrete: make([]bool, 65536),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting connections. Use "127.0.0.1:0" for an ephemeral port.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Requests returns how many requests have been answered.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// SetFailing makes every read answer with a device-failure exception.
func (s *Server) SetFailing(fail bool) {
	s.failing.Store(fail)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 {
			return
		}

		pdu := make([]byte, int(length)-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		logging.DebugRX("modbus", append(append([]byte{}, header...), pdu...))

		response := s.handlePDU(pdu)
		s.requests.Add(1)

		// Transaction and unit ids are echoed from the request.
		frame := make([]byte, 7+len(response))
		copy(frame, header)
		binary.BigEndian.PutUint16(frame[2:4], 0)
		binary.BigEndian.PutUint16(frame[4:6], uint16(len(response)+1))
		copy(frame[7:], response)

		logging.DebugTX("modbus", frame)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	function := pdu[0]
	if s.failing.Load() {
		return exceptionResponse(function, exceptionDeviceFailure)
	}

	var data []byte
	var err error
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.holding, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.input, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 2000)
	if err != nil {
		return nil, err
	}

	result := make([]byte, (quantity+7)/8)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		if source[start+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 125)
	if err != nil {
		return nil, err
	}

	result := make([]byte, quantity*2)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < quantity; i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[start+i])
	}
	return result, nil
}

func parseRange(pdu []byte, maxQty int) (int, int, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := int(binary.BigEndian.Uint16(pdu[1:3]))
	quantity := int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity == 0 || quantity > maxQty {
		return 0, 0, errInvalidQty
	}
	if start+quantity > 65536 {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server, drops open connections, and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// SetHoldingRegisters writes consecutive holding registers starting at address.
func (s *Server) SetHoldingRegisters(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.holding[address:], values)
}

// SetInputRegisters writes consecutive input registers starting at address.
func (s *Server) SetInputRegisters(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.input[address:], values)
}

// SetCoil updates a coil value.
func (s *Server) SetCoil(address uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[address] = value
}

// SetDiscreteInput updates a discrete input value.
func (s *Server) SetDiscreteInput(address uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discrete[address] = value
}

// HoldingRegister returns one holding register.
func (s *Server) HoldingRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

// Coil returns one coil.
func (s *Server) Coil(address uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coils[address]
}
