package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/models"
)

// Inbound push-channel events.
const (
	KindJoinVendorRoom       dispatch.Kind = "join_vendor_room"
	KindJoinCustomerRoom     dispatch.Kind = "join_customer_room"
	KindLeaveRooms           dispatch.Kind = "leave_rooms"
	KindVendorLocationUpdate dispatch.Kind = "vendor_location_update"
)

const (
	maxMessageSize = 4096
	wsIngestWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type joinVendorPayload struct {
	VendorID string `json:"vendorId"`
}

type joinCustomerPayload struct {
	CustomerID string `json:"customerId"`
}

type locationUpdatePayload struct {
	VendorID    string   `json:"vendorId"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	CurrentStop string   `json:"currentStop"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()
	if _, err := s.hub.Register(id, conn); err != nil {
		s.logger.Warn("push session rejected", "conn_id", id, "error", err)
		_ = conn.Close()
		return
	}
	s.logger.Info("push session opened", "conn_id", id, "remote_addr", remoteIP(r))
	go s.readPump(id, conn)
}

// readPump handles inbound messages until the connection fails, then drops the
// session so it leaves every room.
func (s *Server) readPump(id string, conn *websocket.Conn) {
	defer func() {
		s.hub.Unsubscribe(id)
		s.logger.Info("push session closed", "conn_id", id)
	}()

	conn.SetReadLimit(maxMessageSize)
	if s.limits.PingPeriod > 0 {
		pongWait := s.limits.PingPeriod * 10 / 9
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("push session read failed", "conn_id", id, "error", err)
			}
			return
		}
		if err := s.handleInbound(id, data); err != nil {
			_ = s.hub.Send(id, dispatch.ErrorNotice{Message: err.Error()})
		}
	}
}

func (s *Server) handleInbound(connID string, data []byte) error {
	var env dispatch.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: malformed message", models.ErrValidation)
	}
	switch env.Event {
	case KindJoinVendorRoom:
		var p joinVendorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.VendorID == "" {
			return fmt.Errorf("%w: vendorId is required", models.ErrValidation)
		}
		return s.hub.Subscribe(connID, dispatch.VendorRoom(p.VendorID))
	case KindJoinCustomerRoom:
		var p joinCustomerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.CustomerID == "" {
			return fmt.Errorf("%w: customerId is required", models.ErrValidation)
		}
		return s.hub.Subscribe(connID, dispatch.CustomerRoom(p.CustomerID))
	case KindLeaveRooms:
		s.hub.LeaveAll(connID)
		return nil
	case KindVendorLocationUpdate:
		var p locationUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: malformed location update", models.ErrValidation)
		}
		if p.Lat == nil || p.Lng == nil {
			return fmt.Errorf("%w: lat and lng are required", models.ErrValidation)
		}
		ctx, cancel := withTimeout(context.Background(), wsIngestWait)
		defer cancel()
		_, err := s.ingest.Ingest(ctx, ingest.Update{
			VendorID: p.VendorID,
			Coord:    &models.Coord{Lat: *p.Lat, Lng: *p.Lng},
			Source:   "ws",
		})
		if err != nil && !errors.Is(err, models.ErrValidation) {
			s.logger.Warn("push location update failed", "conn_id", connID, "vendor_id", p.VendorID, "error", err)
		}
		return err
	default:
		return fmt.Errorf("%w: unknown event %q", models.ErrValidation, env.Event)
	}
}
