package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"examrelay/internal/api"
	"examrelay/internal/fixtures"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

func TestExamLifecycle(t *testing.T) {
	r := StartRelay(t, false)
	roster := fixtures.GenerateExamRoster(1, 1, 2)
	clients := r.ConnectRoster(t, roster)

	proctor := clients["proctor_1"]
	supervisor := clients["supervisor_1"]
	students := []*fixtures.TestClient{clients["student_1"], clients["student_2"]}

	// start_exam reaches the monitoring room only
	_ = proctor.Send(types.EventStartExam, roster.StartExamPayload())
	for _, monitor := range []*fixtures.TestClient{proctor, supervisor} {
		data := Expect(t, monitor, types.EventExamStarted)
		if data["sessionId"] != "1001" || data["examName"] != roster.ExamName || data["isLive"] != true {
			t.Errorf("Unexpected exam_started: %v", data)
		}
		if data["senderId"] != "proctor_1" || data["senderName"] != roster.Proctors[0].Name {
			t.Errorf("exam_started not stamped with the proctor: %v", data)
		}
	}
	for _, student := range students {
		ExpectSilence(t, student)
		r.Join(t, student, "1001")
	}

	// issue_warning reaches the session room and supervisors
	_ = proctor.Send(types.EventIssueWarning, map[string]any{
		"sessionId": "1001",
		"studentId": "student_1",
		"type":      "looking_away",
	})
	for _, c := range append([]*fixtures.TestClient{supervisor}, students...) {
		data := Expect(t, c, types.EventWarningIssued)
		if data["type"] != "looking_away" || data["isRead"] != false || data["id"] == "" {
			t.Errorf("Unexpected warning_issued: %v", data)
		}
	}
	ExpectSilence(t, proctor)

	// status updates reach the session room and the monitors
	_ = students[0].Send(types.EventUpdateSessionStatus, map[string]any{"sessionId": "1001", "status": "paused"})
	for _, c := range append([]*fixtures.TestClient{proctor, supervisor}, students...) {
		data := Expect(t, c, types.EventSessionUpdate)
		if data["status"] != "paused" || data["isLive"] != true {
			t.Errorf("Unexpected session_update: %v", data)
		}
		if _, ok := data["isRead"]; ok {
			t.Errorf("session_update must not carry isRead: %v", data)
		}
	}

	// end_exam reaches the monitors only
	_ = proctor.Send(types.EventEndExam, "1001")
	for _, monitor := range []*fixtures.TestClient{proctor, supervisor} {
		data := Expect(t, monitor, types.EventExamEnded)
		if data["status"] != types.SessionStatusCompleted || data["isLive"] != false || data["endTime"] == nil {
			t.Errorf("Unexpected exam_ended: %v", data)
		}
	}
	for _, student := range students {
		ExpectSilence(t, student)
	}

	var resp struct {
		Session         map[string]any `json:"session"`
		ConnectionCount int            `json:"connectionCount"`
	}
	if code := r.GetJSON(t, "/api/sessions/1001", &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp.Session["status"] != types.SessionStatusCompleted || resp.ConnectionCount != 2 {
		t.Errorf("Unexpected session view: %+v", resp)
	}
}

func TestEndExamTwiceAnnouncesSameRecord(t *testing.T) {
	r := StartRelay(t, false)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})

	_ = proctor.Send(types.EventStartExam, map[string]any{"examName": "Physics Final"})
	Expect(t, proctor, types.EventExamStarted)

	_ = proctor.Send(types.EventEndExam, "1001")
	first := Expect(t, proctor, types.EventExamEnded)
	_ = proctor.Send(types.EventEndExam, "1001")
	second := Expect(t, proctor, types.EventExamEnded)

	if first["endTime"] != second["endTime"] {
		t.Errorf("Second end changed the end time: %v vs %v", first["endTime"], second["endTime"])
	}
}

func TestWarningReachesSupervisorInSessionOnce(t *testing.T) {
	r := StartRelay(t, false)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})
	supervisor := r.Connect(t, types.Identity{UserID: "s1", Name: "Sue", Role: types.RoleSupervisor})
	r.Join(t, supervisor, "1001")

	_ = proctor.Send(types.EventIssueWarning, map[string]any{"sessionId": "1001", "type": "phone"})

	Expect(t, supervisor, types.EventWarningIssued)
	ExpectSilence(t, supervisor)
}

func TestDirectMessages(t *testing.T) {
	r := StartRelay(t, false)
	roster := fixtures.GenerateExamRoster(1, 0, 2)
	clients := r.ConnectRoster(t, roster)
	proctor, alice, bob := clients["proctor_1"], clients["student_1"], clients["student_2"]

	_ = alice.Send(types.EventSendMessage, map[string]any{
		"receiverId": "proctor_1",
		"message":    "My camera froze",
	})
	data := Expect(t, proctor, types.EventNewMessage)
	if data["senderId"] != "student_1" || data["senderName"] != roster.Students[0].Name {
		t.Errorf("Message not stamped with the sender: %v", data)
	}
	if data["message"] != "My camera froze" || data["receiverId"] != "proctor_1" || data["isRead"] != false {
		t.Errorf("Unexpected new_message: %v", data)
	}

	// reply by user id
	_ = proctor.Send(types.EventSendMessage, map[string]any{"receiverId": "student_1", "message": "Restart it"})
	if data := Expect(t, alice, types.EventNewMessage); data["message"] != "Restart it" {
		t.Errorf("Unexpected reply: %v", data)
	}
	ExpectSilence(t, bob)

	// reply by connection id
	_ = proctor.Send(types.EventSendMessage, map[string]any{"receiverId": bob.ConnectionID, "message": "Eyes on screen"})
	Expect(t, bob, types.EventNewMessage)
	ExpectSilence(t, alice)

	// unknown receivers are silently ignored
	_ = proctor.Send(types.EventSendMessage, map[string]any{"receiverId": "nobody", "message": "hello?"})
	ExpectSilence(t, alice)
	ExpectSilence(t, bob)
	ExpectSilence(t, proctor)
}

func TestDirectMessageReachesEveryConnectionOfUser(t *testing.T) {
	r := StartRelay(t, false)
	student := types.Identity{UserID: "s1", Name: "Sam", Role: types.RoleStudent}
	laptop := r.Connect(t, student)
	phone := r.Connect(t, student)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})

	_ = proctor.Send(types.EventSendMessage, map[string]any{"receiverId": "s1", "message": "Check in"})

	Expect(t, laptop, types.EventNewMessage)
	Expect(t, phone, types.EventNewMessage)
}

func TestIncidentRouting(t *testing.T) {
	r := StartRelay(t, false)
	roster := fixtures.GenerateExamRoster(1, 1, 1)
	clients := r.ConnectRoster(t, roster)
	admin := r.Connect(t, types.Identity{UserID: "a1", Name: "Ada", Role: types.RoleAdmin})

	_ = clients["student_1"].Send(types.EventReportIncident, fixtures.IncidentPayload("1001", "Someone is talking"))

	for _, c := range []*fixtures.TestClient{clients["supervisor_1"], admin} {
		data := Expect(t, c, types.EventIncidentReported)
		if data["description"] != "Someone is talking" || data["isRead"] != false {
			t.Errorf("Unexpected incident_reported: %v", data)
		}
	}
	ExpectSilence(t, clients["proctor_1"])
	ExpectSilence(t, clients["student_1"])
}

func TestAIDetectionRouting(t *testing.T) {
	r := StartRelay(t, false)
	roster := fixtures.GenerateExamRoster(2, 1, 1)
	clients := r.ConnectRoster(t, roster)

	_ = clients["student_1"].Send(types.EventAIDetectionIn, map[string]any{
		"sessionId":  "1001",
		"studentId":  "student_1",
		"kind":       "multiple_faces",
		"confidence": 0.93,
	})

	for _, identity := range roster.Monitors() {
		data := Expect(t, clients[identity.UserID], types.EventAIDetection)
		if data["kind"] != "multiple_faces" || data["confidence"] != 0.93 {
			t.Errorf("Unexpected ai_detection: %v", data)
		}
		if _, ok := data["isRead"]; ok {
			t.Errorf("ai_detection must not carry isRead: %v", data)
		}
	}
	ExpectSilence(t, clients["student_1"])
}

func TestUnauthenticatedSender(t *testing.T) {
	r := StartRelay(t, false)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})
	anonymous := r.Dial(t)

	_ = anonymous.Send(types.EventSendMessage, map[string]any{"receiverId": types.MonitoringRoom, "message": "hi"})

	data := Expect(t, proctor, types.EventNewMessage)
	if data["senderId"] != anonymous.ConnectionID || data["senderName"] != "Unknown" {
		t.Errorf("Unexpected sender stamp: %v", data)
	}
}

func TestUnknownSessionIsDropped(t *testing.T) {
	r := StartRelay(t, false)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})

	_ = proctor.Send(types.EventUpdateSessionStatus, map[string]any{"sessionId": "9999", "status": "paused"})
	_ = proctor.Send(types.EventEndExam, "9999")

	r.WaitFor(t, "unknown session drops", func() bool {
		return testutil.ToFloat64(r.Metrics.EventsDropped.WithLabelValues(metrics.ReasonUnknownSession)) == 2
	})
	ExpectSilence(t, proctor)
}

func TestReauthenticationMovesRooms(t *testing.T) {
	r := StartRelay(t, false)
	client := r.Connect(t, types.Identity{UserID: "u1", Name: "Uma", Role: types.RoleProctor})

	_ = client.Authenticate(types.Identity{UserID: "u1", Name: "Uma", Role: types.RoleStudent})
	r.WaitFor(t, "room move", func() bool {
		return r.Router.IsMember("role_student", client.ConnectionID) &&
			!r.Router.IsMember("role_proctor", client.ConnectionID) &&
			!r.Router.IsMember(types.MonitoringRoom, client.ConnectionID)
	})
}

func TestDisconnectCleansUp(t *testing.T) {
	r := StartRelay(t, false)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})
	student := r.Connect(t, types.Identity{UserID: "s1", Name: "Sam", Role: types.RoleStudent})
	r.Join(t, student, "1001")

	_ = student.Close()
	r.WaitFor(t, "detach", func() bool {
		return r.Registry.Count() == 1 && r.Router.MemberCount("session_1001") == 0
	})

	var health api.HealthResponse
	if code := r.GetJSON(t, "/health", &health); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if health.Connections != 1 {
		t.Errorf("Health reports %d connections, want 1", health.Connections)
	}

	// messages to the departed student go nowhere
	_ = proctor.Send(types.EventSendMessage, map[string]any{"receiverId": "s1", "message": "still there?"})
	ExpectSilence(t, proctor)
}

func TestManyStudentsReachMonitors(t *testing.T) {
	r := StartRelay(t, false)
	roster := fixtures.GenerateExamRoster(1, 0, 20)
	clients := r.ConnectRoster(t, roster)

	var wg sync.WaitGroup
	for _, identity := range roster.Students {
		wg.Add(1)
		go func(c *fixtures.TestClient, id string) {
			defer wg.Done()
			_ = c.Send(types.EventSendMessage, map[string]any{
				"receiverId": types.MonitoringRoom,
				"message":    fmt.Sprintf("ready from %s", id),
			})
		}(clients[identity.UserID], identity.UserID)
	}
	wg.Wait()

	senders := make(map[string]bool)
	for range roster.Students {
		data := Expect(t, clients["proctor_1"], types.EventNewMessage)
		senders[data["senderId"].(string)] = true
	}
	if len(senders) != len(roster.Students) {
		t.Errorf("Expected one message per student, got %d distinct senders", len(senders))
	}
}

func TestJournalHistory(t *testing.T) {
	r := StartRelay(t, true)
	proctor := r.Connect(t, types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor})
	student := r.Connect(t, types.Identity{UserID: "s1", Name: "Sam", Role: types.RoleStudent})

	_ = proctor.Send(types.EventStartExam, map[string]any{"examName": "Biology Quiz"})
	Expect(t, proctor, types.EventExamStarted)
	r.Join(t, student, "1001")

	_ = proctor.Send(types.EventIssueWarning, map[string]any{"sessionId": "1001", "type": "tab_switch"})
	Expect(t, student, types.EventWarningIssued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Journal.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var history api.EventsResponse
	if code := r.GetJSON(t, "/api/sessions/1001/events", &history); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(history.Events) != 2 {
		t.Fatalf("Expected 2 archived events, got %+v", history.Events)
	}
	started, warned := history.Events[0], history.Events[1]
	if started.Event != types.EventExamStarted || started.Data["examName"] != "Biology Quiz" {
		t.Errorf("Unexpected first event: %+v", started)
	}
	if len(started.Rooms) != 1 || started.Rooms[0] != types.MonitoringRoom {
		t.Errorf("Unexpected exam_started rooms: %v", started.Rooms)
	}
	if warned.Event != types.EventWarningIssued || warned.Data["senderId"] != "p1" || warned.Data["isRead"] != false {
		t.Errorf("Unexpected second event: %+v", warned)
	}
	if len(warned.Rooms) != 2 || warned.Rooms[0] != "session_1001" || warned.Rooms[1] != "role_supervisor" {
		t.Errorf("Unexpected warning rooms: %v", warned.Rooms)
	}

	var archived struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if code := r.GetJSON(t, "/api/sessions?archived=true", &archived); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(archived.Sessions) != 1 {
		t.Fatalf("Expected one archived session, got %v", archived.Sessions)
	}
	if s := archived.Sessions[0]; s["sessionId"] != "1001" || s["examName"] != "Biology Quiz" || s["isLive"] != true {
		t.Errorf("Unexpected archived session: %v", s)
	}
}
