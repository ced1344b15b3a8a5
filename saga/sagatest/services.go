// Package sagatest provides an in-memory student-enrollment saga used by the
// library's own tests and examples. It wires real components end to end: the
// orchestrator, the in-memory transport, participant adapters with the
// idempotency ledger, the outbox relay, and the dead-letter handler.
package sagatest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-saga/saga"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/outbox"
	"github.com/LerianStudio/lib-saga/saga/participant"
)

// Destinations of the enrollment saga's commands and replies.
const (
	SagaType = "enrollment"

	StepCreateEnrollment = "create_enrollment"
	StepReserveCapacity  = "reserve_capacity"
	StepCalculateFees    = "calculate_fees"
	StepNotifyStudent    = "notify_student"

	DestCreateEnrollment = "enrollment.create"
	DestCancelEnrollment = "enrollment.cancel"
	DestReserveCapacity  = "capacity.reserve"
	DestReleaseCapacity  = "capacity.release"
	DestCalculateFees    = "fees.calculate"
	DestReverseFees      = "fees.reverse"
	DestNotifyStudent    = "notify.student"
	DestReplies          = "saga.replies"
)

// Definition returns the enrollment saga's step table.
func Definition() saga.Definition {
	return saga.Definition{
		SagaType: SagaType,
		Steps: []saga.Step{
			{
				Name:    StepCreateEnrollment,
				Command: DestCreateEnrollment,
				// First step: a failure here has nothing to compensate, but a
				// later failure must cancel the created enrollment.
				CompensationCommand: DestCancelEnrollment,
			},
			{
				Name:                StepReserveCapacity,
				Command:             DestReserveCapacity,
				CompensationCommand: DestReleaseCapacity,
			},
			{
				Name:                StepCalculateFees,
				Command:             DestCalculateFees,
				CompensationCommand: DestReverseFees,
			},
			{
				Name:       StepNotifyStudent,
				Command:    DestNotifyStudent,
				BestEffort: true,
			},
		},
	}
}

func decodeContext(env message.Envelope) (map[string]string, error) {
	values := map[string]string{}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &values); err != nil {
			return nil, fmt.Errorf("decoding command payload: %w", err)
		}
	}

	return values, nil
}

// EnrollmentService creates and cancels enrollment records.
type EnrollmentService struct {
	// FailFor maps a student id to the rejection code Execute returns for it.
	FailFor map[string]string

	mu          sync.Mutex
	enrollments map[string]string // enrollment id -> student id
	cancelled   map[string]bool
}

// NewEnrollmentService creates an empty enrollment service.
func NewEnrollmentService() *EnrollmentService {
	return &EnrollmentService{
		FailFor:     map[string]string{},
		enrollments: map[string]string{},
		cancelled:   map[string]bool{},
	}
}

// Execute creates an enrollment record for the student in the saga context.
func (service *EnrollmentService) Execute(_ context.Context, _ outbox.Tx, env message.Envelope) (map[string]string, error) {
	values, err := decodeContext(env)
	if err != nil {
		return nil, err
	}

	studentID := values["student_id"]

	if code, ok := service.FailFor[studentID]; ok {
		return nil, &participant.Rejection{Code: code, Message: "enrollment refused for student " + studentID}
	}

	enrollmentID := uuid.NewString()

	service.mu.Lock()
	service.enrollments[enrollmentID] = studentID
	service.mu.Unlock()

	return map[string]string{"enrollment_id": enrollmentID}, nil
}

// Compensate cancels the enrollment created by Execute.
func (service *EnrollmentService) Compensate(_ context.Context, _ outbox.Tx, env message.Envelope) error {
	values, err := decodeContext(env)
	if err != nil {
		return err
	}

	service.mu.Lock()
	defer service.mu.Unlock()

	if enrollmentID := values["enrollment_id"]; enrollmentID != "" {
		service.cancelled[enrollmentID] = true
		delete(service.enrollments, enrollmentID)
	}

	return nil
}

// Enrolled reports whether an active enrollment exists for the student.
func (service *EnrollmentService) Enrolled(studentID string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	for _, enrolled := range service.enrollments {
		if enrolled == studentID {
			return true
		}
	}

	return false
}

// Cancelled reports whether the enrollment was compensated.
func (service *EnrollmentService) Cancelled(enrollmentID string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	return service.cancelled[enrollmentID]
}

// CapacityService tracks per-course seat reservations against a fixed limit.
type CapacityService struct {
	// Limit is the seat capacity per course.
	Limit int
	// FailFor maps a student id to the rejection code Execute returns for it.
	FailFor map[string]string

	mu       sync.Mutex
	reserved map[string]int
}

// NewCapacityService creates a capacity service with the given per-course limit.
func NewCapacityService(limit int) *CapacityService {
	return &CapacityService{
		Limit:    limit,
		FailFor:  map[string]string{},
		reserved: map[string]int{},
	}
}

// Execute reserves one seat in the course from the saga context, rejecting
// with CAPACITY_EXCEEDED when the course is full.
func (service *CapacityService) Execute(_ context.Context, _ outbox.Tx, env message.Envelope) (map[string]string, error) {
	values, err := decodeContext(env)
	if err != nil {
		return nil, err
	}

	if code, ok := service.FailFor[values["student_id"]]; ok {
		return nil, &participant.Rejection{Code: code, Message: "capacity reservation refused"}
	}

	courseID := values["course_id"]

	service.mu.Lock()
	defer service.mu.Unlock()

	if service.reserved[courseID] >= service.Limit {
		return nil, &participant.Rejection{Code: "CAPACITY_EXCEEDED", Message: "course " + courseID + " is full"}
	}

	service.reserved[courseID]++

	return map[string]string{"seat_number": fmt.Sprintf("%d", service.reserved[courseID])}, nil
}

// Compensate releases the seat reserved by Execute.
func (service *CapacityService) Compensate(_ context.Context, _ outbox.Tx, env message.Envelope) error {
	values, err := decodeContext(env)
	if err != nil {
		return err
	}

	courseID := values["course_id"]

	service.mu.Lock()
	defer service.mu.Unlock()

	if service.reserved[courseID] > 0 {
		service.reserved[courseID]--
	}

	return nil
}

// Reserved returns the current seat count for a course.
func (service *CapacityService) Reserved(courseID string) int {
	service.mu.Lock()
	defer service.mu.Unlock()

	return service.reserved[courseID]
}

// RegistrationFee is added to every enrollment's base fee.
var RegistrationFee = decimal.NewFromInt(25)

// FeeService computes enrollment fees with exact decimal arithmetic.
type FeeService struct {
	// TaxRate is applied on top of base fee plus registration fee.
	TaxRate decimal.Decimal
	// FailFor maps a student id to the rejection code Execute returns for it.
	FailFor map[string]string

	mu       sync.Mutex
	invoiced map[string]decimal.Decimal // saga id -> total
	reversed map[string]bool
}

// NewFeeService creates a fee service with the given tax rate, e.g. 0.07.
func NewFeeService(taxRate decimal.Decimal) *FeeService {
	return &FeeService{
		TaxRate:  taxRate,
		FailFor:  map[string]string{},
		invoiced: map[string]decimal.Decimal{},
		reversed: map[string]bool{},
	}
}

// Execute computes (base_fee + registration fee) * (1 + tax rate), rounded to
// cents, and records the invoice keyed by saga id.
func (service *FeeService) Execute(_ context.Context, _ outbox.Tx, env message.Envelope) (map[string]string, error) {
	values, err := decodeContext(env)
	if err != nil {
		return nil, err
	}

	if code, ok := service.FailFor[values["student_id"]]; ok {
		return nil, &participant.Rejection{Code: code, Message: "fee calculation refused"}
	}

	baseFee, err := decimal.NewFromString(values["base_fee"])
	if err != nil {
		return nil, &participant.Rejection{Code: "INVALID_BASE_FEE", Message: err.Error()}
	}

	total := baseFee.
		Add(RegistrationFee).
		Mul(decimal.NewFromInt(1).Add(service.TaxRate)).
		Round(2)

	service.mu.Lock()
	service.invoiced[env.SagaID] = total
	service.mu.Unlock()

	return map[string]string{"total_fee": total.String()}, nil
}

// Compensate reverses the invoice recorded by Execute.
func (service *FeeService) Compensate(_ context.Context, _ outbox.Tx, env message.Envelope) error {
	service.mu.Lock()
	defer service.mu.Unlock()

	if _, ok := service.invoiced[env.SagaID]; ok {
		delete(service.invoiced, env.SagaID)
		service.reversed[env.SagaID] = true
	}

	return nil
}

// Invoice returns the recorded total for a saga, if any.
func (service *FeeService) Invoice(sagaID string) (decimal.Decimal, bool) {
	service.mu.Lock()
	defer service.mu.Unlock()

	total, ok := service.invoiced[sagaID]

	return total, ok
}

// Reversed reports whether the saga's invoice was compensated.
func (service *FeeService) Reversed(sagaID string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	return service.reversed[sagaID]
}

// NotifyService records student notifications. It backs the saga's
// best-effort step, so its rejections never trigger compensation.
type NotifyService struct {
	// FailFor maps a student id to the rejection code Execute returns for it.
	FailFor map[string]string

	mu       sync.Mutex
	notified []string
}

// NewNotifyService creates an empty notification service.
func NewNotifyService() *NotifyService {
	return &NotifyService{FailFor: map[string]string{}}
}

// Execute records a notification for the student in the saga context.
func (service *NotifyService) Execute(_ context.Context, _ outbox.Tx, env message.Envelope) (map[string]string, error) {
	values, err := decodeContext(env)
	if err != nil {
		return nil, err
	}

	studentID := values["student_id"]

	if code, ok := service.FailFor[studentID]; ok {
		return nil, &participant.Rejection{Code: code, Message: "notification refused"}
	}

	service.mu.Lock()
	service.notified = append(service.notified, studentID)
	service.mu.Unlock()

	return nil, nil
}

// Compensate is a no-op; notifications are not retracted.
func (service *NotifyService) Compensate(context.Context, outbox.Tx, message.Envelope) error {
	return nil
}

// Notified returns the students notified so far.
func (service *NotifyService) Notified() []string {
	service.mu.Lock()
	defer service.mu.Unlock()

	out := make([]string, len(service.notified))
	copy(out, service.notified)

	return out
}
