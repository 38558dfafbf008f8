// Package telemetry reads live plant measurements over Modbus/TCP to seed
// and cross-check the rolling-horizon controller's battery.State.
package telemetry

import (
	"encoding/binary"
	"time"

	"github.com/goburrow/modbus"

	"github.com/voltgrid/dispatch/faults"
)

// PlantAddress is the Modbus slave address most plant-level inverters use
// for aggregate readings.
const PlantAddress = 247

// Client is a Modbus/TCP reader for one inverter/plant gateway, trimmed to
// the registers the dispatch loop actually consumes: battery SOC and the
// grid-connection power reading.
type Client struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// Dial connects to a Modbus/TCP gateway at address (host:port).
func Dial(address string, timeout time.Duration) (*Client, error) {
	const op = "telemetry.Dial"
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = PlantAddress
	handler.Timeout = timeout

	if err := handler.Connect(); err != nil {
		return nil, faults.Numericalf(op, "failed to connect to modbus gateway %s: %w", address, err)
	}

	return &Client{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.handler.Close()
}

// Reading is one snapshot of plant measurements relevant to dispatch: the
// battery's state of charge, its instantaneous charge/discharge power, and
// the grid-connection import/export power.
type Reading struct {
	Timestamp   time.Time
	SOCFraction float64 // [0,1]
	BatteryKW   float64 // >0 charging, <0 discharging
	GridKW      float64 // >0 importing, <0 exporting
	PVKW        float64
}

// registers mirrors the subset of the plant running-info block (§5.1 of the
// gateway's register map) that dispatch needs: ESS SOC, ESS power, grid
// sensor active power, and PV power.
const (
	regGridActivePower = 30010
	regESSSOC          = 30028
	regPlantPV         = 30070
	regESSPower        = 30074
)

// Read fetches one Reading from the plant running-info block.
func (c *Client) Read() (Reading, error) {
	const op = "telemetry.Client.Read"

	// Each register is two bytes; the block runs through the two-register
	// ESS power value.
	data, err := c.client.ReadInputRegisters(regGridActivePower, regESSPower-regGridActivePower+2)
	if err != nil {
		return Reading{}, faults.Numericalf(op, "failed to read plant running info: %w", err)
	}
	off := func(reg int) int { return 2 * (reg - regGridActivePower) }

	gridKW := float64(bytesToS32(data[0:4])) / 1000.0
	socFraction := float64(bytesToU16(data[off(regESSSOC):off(regESSSOC)+2])) / 1000.0
	pvKW := float64(bytesToS32(data[off(regPlantPV):off(regPlantPV)+4])) / 1000.0
	essKW := float64(bytesToS32(data[off(regESSPower):off(regESSPower)+4])) / 1000.0

	return Reading{
		Timestamp:   time.Now(),
		SOCFraction: socFraction,
		BatteryKW:   essKW,
		GridKW:      gridKW,
		PVKW:        pvKW,
	}, nil
}

func bytesToU16(data []byte) uint16 { return binary.BigEndian.Uint16(data) }
func bytesToS32(data []byte) int32  { return int32(binary.BigEndian.Uint32(data)) }
