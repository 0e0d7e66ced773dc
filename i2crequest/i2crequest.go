package i2crequest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus"
)

const (
	dbusName = "org.cacophony.i2c"
	dbusPath = "/org/cacophony/i2c"
)

// TxResponse is a canned response returned by Tx while mocking.
type TxResponse struct {
	Response []byte
	Err      error
}

var (
	mockMu        sync.Mutex
	mocking       bool
	mockResponses []TxResponse
	mockWrites    [][]byte
)

var errNoMockResponse = errors.New("no mocked i2c response left")

// MockTxResponses makes Tx return the given responses in order instead of
// calling the i2c dbus service.
func MockTxResponses(responses []TxResponse) {
	mockMu.Lock()
	defer mockMu.Unlock()
	mocking = true
	mockResponses = responses
	mockWrites = nil
}

// MockedWrites returns the write buffers passed to Tx since mocking started.
func MockedWrites() [][]byte {
	mockMu.Lock()
	defer mockMu.Unlock()
	return append([][]byte(nil), mockWrites...)
}

func StopMocking() {
	mockMu.Lock()
	defer mockMu.Unlock()
	mocking = false
	mockResponses = nil
	mockWrites = nil
}

func mockTx(write []byte) ([]byte, bool, error) {
	mockMu.Lock()
	defer mockMu.Unlock()
	if !mocking {
		return nil, false, nil
	}
	mockWrites = append(mockWrites, append([]byte(nil), write...))
	if len(mockResponses) == 0 {
		return nil, true, errNoMockResponse
	}
	r := mockResponses[0]
	mockResponses = mockResponses[1:]
	return r.Response, true, r.Err
}

// Tx writes to and then reads readLen bytes from the device at address,
// through the i2c dbus service which serialises access to the bus.
func Tx(address byte, write []byte, readLen, timeout int) ([]byte, error) {
	if response, ok, err := mockTx(write); ok {
		return response, err
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(dbusName, dbusPath)

	var response []byte
	if err := obj.Call(dbusName+".Tx", 0, address, write, readLen, timeout).Store(&response); err != nil {
		return nil, err
	}

	return response, nil
}

func CheckAddress(address byte, timeout int) error {
	_, err := Tx(address, []byte{0x00}, 1, timeout)
	return err
}

// ReadRegister16 reads a big endian 16 bit register.
func ReadRegister16(address, reg byte, timeout int) (uint16, error) {
	response, err := Tx(address, []byte{reg}, 2, timeout)
	if err != nil {
		return 0, err
	}
	if len(response) != 2 {
		return 0, fmt.Errorf("register 0x%02X: expected 2 bytes, got %d", reg, len(response))
	}
	return uint16(response[0])<<8 | uint16(response[1]), nil
}

// WriteRegister16 writes a big endian 16 bit register.
func WriteRegister16(address, reg byte, val uint16, timeout int) error {
	_, err := Tx(address, []byte{reg, byte(val >> 8), byte(val & 0xFF)}, 0, timeout)
	return err
}
