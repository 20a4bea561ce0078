package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the target resource and action of a queued operation.
type Kind string

const (
	KindCreateStudent    Kind = "create-student"
	KindUpdateStudent    Kind = "update-student"
	KindDeleteStudent    Kind = "delete-student"
	KindCreateAttendance Kind = "create-attendance"
	KindRecordGrade      Kind = "record-grade"
	KindUpdateGrade      Kind = "update-grade"
	KindRecordPayment    Kind = "record-payment"
)

// Kinds lists every supported operation kind.
var Kinds = []Kind{
	KindCreateStudent,
	KindUpdateStudent,
	KindDeleteStudent,
	KindCreateAttendance,
	KindRecordGrade,
	KindUpdateGrade,
	KindRecordPayment,
}

// Resource names used in targets.
const (
	ResourceStudent    = "student"
	ResourceAttendance = "attendance"
	ResourceGrade      = "grade"
	ResourcePayment    = "payment"
)

// Mutation is the payload of a queued operation: everything needed to replay
// the corresponding remote call.
type Mutation interface {
	Kind() Kind
	// Target is the "resource:id" key of the record the mutation writes.
	Target() string
	// Fields returns the values the mutation writes, keyed by JSON field name.
	Fields() map[string]any
}

// Precondition carries what the client saw when it queued an update.
type Precondition struct {
	BaseVersion int64          `json:"baseVersion,omitempty"`
	Base        map[string]any `json:"base,omitempty"`
}

// Rebaser is implemented by updates guarded by a version precondition.
type Rebaser interface {
	Mutation
	Guard() Precondition
	// Rebase returns a copy of the mutation bound to the given server version.
	Rebase(version int64) Mutation
}

type studentScoped interface {
	Student() string
}

type CreateStudent struct {
	StudentID     string `json:"studentId" validate:"required"`
	FirstName     string `json:"firstName" validate:"required"`
	LastName      string `json:"lastName" validate:"required"`
	ClassID       string `json:"classId,omitempty"`
	DateOfBirth   string `json:"dateOfBirth,omitempty" validate:"omitempty,isodate"`
	GuardianPhone string `json:"guardianPhone,omitempty"`
}

func (m CreateStudent) Kind() Kind      { return KindCreateStudent }
func (m CreateStudent) Target() string  { return TargetOf(ResourceStudent, m.StudentID) }
func (m CreateStudent) Student() string { return m.StudentID }

func (m CreateStudent) Fields() map[string]any {
	return compact(map[string]any{
		"firstName":     m.FirstName,
		"lastName":      m.LastName,
		"classId":       m.ClassID,
		"dateOfBirth":   m.DateOfBirth,
		"guardianPhone": m.GuardianPhone,
	})
}

type UpdateStudent struct {
	StudentID     string `json:"studentId" validate:"required"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	ClassID       string `json:"classId,omitempty"`
	GuardianPhone string `json:"guardianPhone,omitempty"`
	Precondition
}

func (m UpdateStudent) Kind() Kind          { return KindUpdateStudent }
func (m UpdateStudent) Target() string      { return TargetOf(ResourceStudent, m.StudentID) }
func (m UpdateStudent) Student() string     { return m.StudentID }
func (m UpdateStudent) Guard() Precondition { return m.Precondition }

func (m UpdateStudent) Fields() map[string]any {
	return compact(map[string]any{
		"firstName":     m.FirstName,
		"lastName":      m.LastName,
		"classId":       m.ClassID,
		"guardianPhone": m.GuardianPhone,
	})
}

func (m UpdateStudent) Rebase(version int64) Mutation {
	m.BaseVersion = version
	return m
}

type DeleteStudent struct {
	StudentID string `json:"studentId" validate:"required"`
}

func (m DeleteStudent) Kind() Kind             { return KindDeleteStudent }
func (m DeleteStudent) Target() string         { return TargetOf(ResourceStudent, m.StudentID) }
func (m DeleteStudent) Student() string        { return m.StudentID }
func (m DeleteStudent) Fields() map[string]any { return map[string]any{} }

type CreateAttendance struct {
	StudentID string `json:"studentId" validate:"required"`
	Date      string `json:"date" validate:"required,isodate"`
	Status    string `json:"status" validate:"required,oneof=PRESENT ABSENT LATE EXCUSED"`
	Note      string `json:"note,omitempty"`
}

func (m CreateAttendance) Kind() Kind      { return KindCreateAttendance }
func (m CreateAttendance) Student() string { return m.StudentID }

func (m CreateAttendance) Target() string {
	return TargetOf(ResourceAttendance, m.StudentID+":"+m.Date)
}

func (m CreateAttendance) Fields() map[string]any {
	return compact(map[string]any{"status": m.Status, "note": m.Note})
}

type RecordGrade struct {
	GradeID   string  `json:"gradeId" validate:"required"`
	StudentID string  `json:"studentId" validate:"required"`
	Subject   string  `json:"subject" validate:"required"`
	Term      string  `json:"term" validate:"required"`
	Score     float64 `json:"score" validate:"gte=0,lte=100"`
	Remarks   string  `json:"remarks,omitempty"`
}

func (m RecordGrade) Kind() Kind      { return KindRecordGrade }
func (m RecordGrade) Target() string  { return TargetOf(ResourceGrade, m.GradeID) }
func (m RecordGrade) Student() string { return m.StudentID }

func (m RecordGrade) Fields() map[string]any {
	return compact(map[string]any{
		"studentId": m.StudentID,
		"subject":   m.Subject,
		"term":      m.Term,
		"score":     m.Score,
		"remarks":   m.Remarks,
	})
}

type UpdateGrade struct {
	GradeID   string   `json:"gradeId" validate:"required"`
	StudentID string   `json:"studentId,omitempty"`
	Score     *float64 `json:"score,omitempty" validate:"omitempty,gte=0,lte=100"`
	Remarks   string   `json:"remarks,omitempty"`
	Precondition
}

func (m UpdateGrade) Kind() Kind          { return KindUpdateGrade }
func (m UpdateGrade) Target() string      { return TargetOf(ResourceGrade, m.GradeID) }
func (m UpdateGrade) Student() string     { return m.StudentID }
func (m UpdateGrade) Guard() Precondition { return m.Precondition }

func (m UpdateGrade) Fields() map[string]any {
	fields := compact(map[string]any{"remarks": m.Remarks})
	if m.Score != nil {
		fields["score"] = *m.Score
	}
	return fields
}

func (m UpdateGrade) Rebase(version int64) Mutation {
	m.BaseVersion = version
	return m
}

type RecordPayment struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	StudentID string  `json:"studentId" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Currency  string  `json:"currency" validate:"required,len=3"`
	Method    string  `json:"method" validate:"required,oneof=cash mobile_money bank card"`
	PaidOn    string  `json:"paidOn" validate:"required,isodate"`
	Reference string  `json:"reference,omitempty"`
}

func (m RecordPayment) Kind() Kind      { return KindRecordPayment }
func (m RecordPayment) Target() string  { return TargetOf(ResourcePayment, m.PaymentID) }
func (m RecordPayment) Student() string { return m.StudentID }

func (m RecordPayment) Fields() map[string]any {
	return compact(map[string]any{
		"studentId": m.StudentID,
		"amount":    m.Amount,
		"currency":  m.Currency,
		"method":    m.Method,
		"paidOn":    m.PaidOn,
		"reference": m.Reference,
	})
}

// DecodeMutation unmarshals a payload into the concrete type for kind.
func DecodeMutation(kind Kind, raw json.RawMessage) (Mutation, error) {
	switch kind {
	case KindCreateStudent:
		return decodeAs[CreateStudent](raw)
	case KindUpdateStudent:
		return decodeAs[UpdateStudent](raw)
	case KindDeleteStudent:
		return decodeAs[DeleteStudent](raw)
	case KindCreateAttendance:
		return decodeAs[CreateAttendance](raw)
	case KindRecordGrade:
		return decodeAs[RecordGrade](raw)
	case KindUpdateGrade:
		return decodeAs[UpdateGrade](raw)
	case KindRecordPayment:
		return decodeAs[RecordPayment](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// EncodeMutation marshals a mutation payload.
func EncodeMutation(m Mutation) (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}
	return raw, nil
}

func decodeAs[T Mutation](raw json.RawMessage) (Mutation, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %T payload: %w", v, err)
	}
	return v, nil
}

// CausalKeys returns the keys that order m against other operations: its own
// target and, for student-scoped mutations, the owning student.
func CausalKeys(m Mutation) []string {
	keys := []string{m.Target()}
	if s, ok := m.(studentScoped); ok && s.Student() != "" {
		studentKey := TargetOf(ResourceStudent, s.Student())
		if studentKey != keys[0] {
			keys = append(keys, studentKey)
		}
	}
	return keys
}

// TargetOf builds a "resource:id" target key.
func TargetOf(resource, id string) string {
	return resource + ":" + id
}

// ParseTarget splits a target key into resource and id.
func ParseTarget(target string) (resource, id string, err error) {
	resource, id, ok := strings.Cut(target, ":")
	if !ok || resource == "" || id == "" {
		return "", "", fmt.Errorf("malformed target %q", target)
	}
	return resource, id, nil
}

func compact(fields map[string]any) map[string]any {
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			delete(fields, k)
		}
	}
	return fields
}
