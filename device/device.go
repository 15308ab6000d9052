package device

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of device being simulated.
type Type string

const (
	TypeSolarPanel      Type = "solar_panel"
	TypeBattery         Type = "battery"
	TypeElectricVehicle Type = "electric_vehicle"
	TypeAppliance       Type = "appliance"
)

// Valid returns true for the known device types.
func (t Type) Valid() bool {
	switch t {
	case TypeSolarPanel, TypeBattery, TypeElectricVehicle, TypeAppliance:
		return true
	}
	return false
}

// Capability is a bitmask of the things a device can do with energy.
type Capability uint8

const (
	Produces Capability = 1 << iota
	Consumes
	Stores
)

// Has returns true if all of the given flags are set.
func (c Capability) Has(flags Capability) bool {
	return c&flags == flags
}

// Capabilities returns the capability set of the device type. Capabilities
// follow from the type alone and are never stored or configured.
func (t Type) Capabilities() Capability {
	switch t {
	case TypeSolarPanel:
		return Produces
	case TypeBattery, TypeElectricVehicle:
		return Produces | Consumes | Stores
	case TypeAppliance:
		return Consumes
	}
	return 0
}

// IsStorage returns true if devices of this type hold a charge.
func (t Type) IsStorage() bool {
	return t.Capabilities().Has(Stores)
}

// Property keys understood by the simulation models.
const (
	PropRatedCapacityWatts    = "ratedCapacityWatts"
	PropCapacityWatthours     = "capacityWatthours"
	PropMaxChargeRateWatts    = "maxChargeRateWatts"
	PropMaxDischargeRateWatts = "maxDischargeRateWatts"
	PropAvgPowerDrawWatts     = "avgPowerDrawWatts"
)

// requiredProperties lists the property keys a registration must carry for
// each device type.
var requiredProperties = map[Type][]string{
	TypeSolarPanel:      {PropRatedCapacityWatts},
	TypeBattery:         {PropCapacityWatthours, PropMaxChargeRateWatts, PropMaxDischargeRateWatts},
	TypeElectricVehicle: {PropCapacityWatthours, PropMaxChargeRateWatts, PropMaxDischargeRateWatts},
	TypeAppliance:       {PropAvgPowerDrawWatts},
}

// Device is one simulated device in the fleet.
type Device struct {
	ID          uuid.UUID
	Name        string
	Description string
	Type        Type
	Properties  map[string]float64
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Property returns the named property value, with ok false when the device
// does not carry it.
func (d *Device) Property(key string) (float64, bool) {
	v, ok := d.Properties[key]
	return v, ok
}

// Capabilities returns the capability set of the device.
func (d *Device) Capabilities() Capability {
	return d.Type.Capabilities()
}
