package tapo

// Device type and category markers used by the aggregation pipeline.
const (
	DeviceTypeHub = "SMART.TAPOHUB"

	CategoryTempHumiditySensor = "subg.trigger.temp-hmdt-sensor"

	StatusOnline = "online"
)

// CloudDevice is one entry of the account-level device list.
type CloudDevice struct {
	DeviceType   string `json:"deviceType"`
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	DeviceModel  string `json:"deviceModel"`
	Alias        string `json:"alias"`
	DeviceMac    string `json:"deviceMac"`
	DeviceRegion string `json:"deviceRegion"`
	AppServerURL string `json:"appServerUrl"`
	FwVer        string `json:"fwVer"`
	Role         int    `json:"role"`
	Status       int    `json:"status"`
}

// ChildDevice is one entry of a hub's child device list. Temperature
// fields are pointers: sensors of other categories omit them.
type ChildDevice struct {
	DeviceID          string   `json:"device_id"`
	ParentDeviceID    string   `json:"parent_device_id"`
	Nickname          string   `json:"nickname"`
	Category          string   `json:"category"`
	Model             string   `json:"model"`
	Status            string   `json:"status"`
	TempUnit          string   `json:"temp_unit,omitempty"`
	CurrentTemp       *float64 `json:"current_temp,omitempty"`
	CurrentHumidity   *float64 `json:"current_humidity,omitempty"`
	BatteryPercentage *int     `json:"battery_percentage,omitempty"`
	AtLowBattery      bool     `json:"at_low_battery,omitempty"`
	SignalLevel       int      `json:"signal_level,omitempty"`
	ReportInterval    int      `json:"report_interval,omitempty"`
}

// IsHub reports whether the cloud device is a sensor hub.
func (d CloudDevice) IsHub() bool {
	return d.DeviceType == DeviceTypeHub
}

// IsTemperatureSensor reports whether the child device carries
// temperature/humidity readings.
func (d ChildDevice) IsTemperatureSensor() bool {
	return d.Category == CategoryTempHumiditySensor
}

// IsOnline reports whether the child device is reachable.
func (d ChildDevice) IsOnline() bool {
	return d.Status == StatusOnline
}
