package dispatch

import (
	"encoding/json"
	"time"

	"github.com/example/vendor-tracking/internal/models"
)

type Kind string

const (
	KindVendorMoved   Kind = "vendor_moved"
	KindStatusChanged Kind = "vendor_status_changed"
	KindRoamingMoved  Kind = "roaming_vendor_moved"
	KindStopCompleted Kind = "vendor_stop_completed"
	KindError         Kind = "error"
)

// Event is one of the payload types below; the set is closed.
type Event interface {
	Kind() Kind
	event()
}

type LocationChanged struct {
	VendorID    string       `json:"vendorId"`
	Coordinates models.Coord `json:"coordinates"`
	Address     string       `json:"address,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type StatusChanged struct {
	VendorID  string    `json:"vendorId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

type RoamingMoved struct {
	VendorID    string       `json:"vendorId"`
	Coordinates models.Coord `json:"coordinates"`
	CurrentStop string       `json:"currentStop,omitempty"`
	RouteName   string       `json:"routeName,omitempty"`
	IsMoving    bool         `json:"isMoving"`
	Speed       float64      `json:"speed"`
	Heading     float64      `json:"heading"`
	Timestamp   time.Time    `json:"timestamp"`
}

type StopCompleted struct {
	VendorID       string    `json:"vendorId"`
	StopLocation   string    `json:"stopLocation"`
	CurrentStop    string    `json:"currentStop"`
	RouteCompleted bool      `json:"routeCompleted"`
	ActualArrival  time.Time `json:"actualArrival"`
}

// ErrorNotice is sent to a single connection when one of its messages fails.
type ErrorNotice struct {
	Message string `json:"message"`
}

func (LocationChanged) Kind() Kind { return KindVendorMoved }
func (StatusChanged) Kind() Kind   { return KindStatusChanged }
func (RoamingMoved) Kind() Kind    { return KindRoamingMoved }
func (StopCompleted) Kind() Kind   { return KindStopCompleted }
func (ErrorNotice) Kind() Kind     { return KindError }

func (LocationChanged) event() {}
func (StatusChanged) event()   {}
func (RoamingMoved) event()    {}
func (StopCompleted) event()   {}
func (ErrorNotice) event()     {}

// Envelope is the wire format for both directions of the push channel.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.Kind(), Data: data})
}
