package fixtures

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/go-faker/faker/v4"

	"examrelay/pkg/types"
)

// ExamRoster is a realistic set of exam participants
type ExamRoster struct {
	ExamName    string
	Proctors    []types.Identity
	Supervisors []types.Identity
	Students    []types.Identity
}

// GenerateExamRoster creates participants with stable ids (proctor_1,
// student_3, ...) and random display names.
func GenerateExamRoster(proctors, supervisors, students int) *ExamRoster {
	return &ExamRoster{
		ExamName:    GenerateExamName(),
		Proctors:    identities(types.RoleProctor, proctors),
		Supervisors: identities(types.RoleSupervisor, supervisors),
		Students:    identities(types.RoleStudent, students),
	}
}

func identities(role types.Role, n int) []types.Identity {
	out := make([]types.Identity, n)
	for i := range out {
		out[i] = types.Identity{
			UserID: fmt.Sprintf("%s_%d", role, i+1),
			Name:   faker.FirstName() + " " + faker.LastName(),
			Role:   role,
		}
	}
	return out
}

// GenerateExamName creates realistic exam titles
func GenerateExamName() string {
	subjects := []string{"Algebra", "Biology", "Chemistry", "History", "Physics", "Statistics", "Literature"}
	kinds := []string{"Midterm", "Final", "Quiz", "Placement Test", "Retake"}

	return fmt.Sprintf("%s %s", subjects[rand.Intn(len(subjects))], kinds[rand.Intn(len(kinds))])
}

// Monitors returns proctors then supervisors
func (r *ExamRoster) Monitors() []types.Identity {
	out := make([]types.Identity, 0, len(r.Proctors)+len(r.Supervisors))
	out = append(out, r.Proctors...)
	return append(out, r.Supervisors...)
}

// Everyone returns every participant, monitors first
func (r *ExamRoster) Everyone() []types.Identity {
	return append(r.Monitors(), r.Students...)
}

// StartExamPayload is the data of a start_exam frame for this roster
func (r *ExamRoster) StartExamPayload() map[string]any {
	return map[string]any{
		"examName":     r.ExamName,
		"studentCount": len(r.Students),
		"duration":     90,
	}
}

// IncidentPayload builds a report_incident body for sessionID
func IncidentPayload(sessionID, description string) map[string]any {
	return map[string]any{
		"sessionId":   sessionID,
		"description": description,
		"severity":    "medium",
	}
}

// Eventually polls condition until it holds or timeout passes
func Eventually(condition func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}
