package models

import (
	"errors"
	"time"
)

// ErrNotParticipant is returned when an identity is neither side of an appointment.
var ErrNotParticipant = errors.New("identity is not a participant of this appointment")

// Role is the fixed negotiation role of one side of a call.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Appointment is the room hand-off supplied by the booking collaborator.
// The room id is derived from the appointment and is opaque to this service.
type Appointment struct {
	RoomID    string    `json:"roomId"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	PeerCount int       `json:"peerCount"`
}

// RoleFor returns the role userID plays in the appointment: the patient always
// initiates and the doctor always responds.
func (a Appointment) RoleFor(userID string) (Role, error) {
	switch {
	case userID == "":
		return "", ErrNotParticipant
	case userID == a.PatientID:
		return RoleInitiator, nil
	case userID == a.DoctorID:
		return RoleResponder, nil
	}
	return "", ErrNotParticipant
}

// IsParticipant reports whether userID is the patient or the doctor.
func (a Appointment) IsParticipant(userID string) bool {
	_, err := a.RoleFor(userID)
	return err == nil
}

// CreateRoomRequest is the request body for registering an appointment room
type CreateRoomRequest struct {
	RoomID    string `json:"roomId" binding:"required,max=128"`
	PatientID string `json:"patientId" binding:"required"`
	DoctorID  string `json:"doctorId" binding:"required,nefield=PatientID"`
}

// RoleResponse is returned by the role lookup endpoint
type RoleResponse struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}
