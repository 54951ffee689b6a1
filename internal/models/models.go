package models

// Offer is a rentable GPU listing on the marketplace.
type Offer struct {
	ID           int64   `json:"id"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	GPUMemoryMB  int     `json:"gpu_ram"`
	PricePerHour float64 `json:"dph_total"`
	Rentable     bool    `json:"rentable"`
	Verified     bool    `json:"verified"`
	Geolocation  string  `json:"geolocation"`
	CUDAVersion  float64 `json:"cuda_max_good"`
	Reliability  float64 `json:"reliability2"`
	DiskSpaceGB  float64 `json:"disk_space"`
	InetDownMbps float64 `json:"inet_down"`
	InetUpMbps   float64 `json:"inet_up"`
}

// Instance is a rented GPU machine.
type Instance struct {
	ID             int64   `json:"id"`
	ActualStatus   string  `json:"actual_status"`
	IntendedStatus string  `json:"intended_status"`
	GPUName        string  `json:"gpu_name"`
	NumGPUs        int     `json:"num_gpus"`
	GPUMemoryMB    int     `json:"gpu_ram"`
	SSHHost        string  `json:"ssh_host"`
	SSHPort        int     `json:"ssh_port"`
	PublicIP       string  `json:"public_ipaddr"`
	PricePerHour   float64 `json:"dph_total"`
	Image          string  `json:"image_uuid"`
	Label          string  `json:"label"`
	Geolocation    string  `json:"geolocation"`
	StartDate      float64 `json:"start_date"`
}

// Running reports whether the instance has finished booting and accepts SSH.
func (i *Instance) Running() bool {
	return i.ActualStatus == InstanceStatusRunning
}

// Instance statuses as reported by the marketplace
const (
	InstanceStatusCreated = "created"
	InstanceStatusLoading = "loading"
	InstanceStatusRunning = "running"
	InstanceStatusExited  = "exited"
	InstanceStatusOffline = "offline"
)

// OfferFilter narrows a marketplace search. Zero values disable the
// corresponding predicate.
type OfferFilter struct {
	GPUName      string  `json:"gpu_name,omitempty"`
	MinGPUMemMB  int     `json:"min_gpu_ram,omitempty"`
	MaxPrice     float64 `json:"max_price,omitempty"`
	RentableOnly bool    `json:"rentable_only,omitempty"`
}
