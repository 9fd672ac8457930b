package mesh

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var _ mqtt.Client = (*MockClient)(nil)

func TestMockClient_Connect(t *testing.T) {
	mock := NewMockClient()

	token := mock.Connect()
	if !token.WaitTimeout(1 * time.Second) {
		t.Error("Connect should complete immediately")
	}
	if token.Error() != nil {
		t.Errorf("Connect error = %v, want nil", token.Error())
	}
	if !mock.IsConnected() {
		t.Error("Client should be connected after Connect()")
	}
}

func TestMockClient_ConnectWithError(t *testing.T) {
	mock := NewMockClient()
	expectedErr := errors.New("connection failed")
	mock.SetConnectError(expectedErr)

	token := mock.Connect()
	if token.Error() != expectedErr {
		t.Errorf("Connect error = %v, want %v", token.Error(), expectedErr)
	}
	if mock.IsConnected() {
		t.Error("Client should not be connected after failed Connect()")
	}
}

func TestMockClient_Publish(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	payload := []byte(`{"test": "data"}`)
	token := mock.Publish("test/topic", 0, true, payload)
	if token.Error() != nil {
		t.Errorf("Publish error = %v, want nil", token.Error())
	}
	mock.Publish("other/topic", 1, false, "text")

	messages := mock.GetPublishedMessages()
	if len(messages) != 2 {
		t.Fatalf("Published messages count = %d, want 2", len(messages))
	}
	if messages[0].Topic != "test/topic" || string(messages[0].Payload) != string(payload) || !messages[0].Retain {
		t.Errorf("first message = %+v", messages[0])
	}
	if string(messages[1].Payload) != "text" || messages[1].QoS != 1 {
		t.Errorf("second message = %+v", messages[1])
	}
	if got := mock.MessagesOn("other/topic"); len(got) != 1 {
		t.Errorf("MessagesOn(other/topic) = %d messages, want 1", len(got))
	}
}

func TestMockClient_PublishNotConnected(t *testing.T) {
	mock := NewMockClient()

	token := mock.Publish("test/topic", 0, false, []byte("data"))
	if !errors.Is(token.Error(), mqtt.ErrNotConnected) {
		t.Errorf("Publish error = %v, want ErrNotConnected", token.Error())
	}
	if len(mock.GetPublishedMessages()) != 0 {
		t.Error("nothing should be recorded while disconnected")
	}
}

func TestMockClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	mock.Connect()
	mock.Disconnect(0)
	if mock.IsConnected() {
		t.Error("Client should be disconnected after Disconnect()")
	}
}

func TestMockClient_ConcurrentPublish(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mock.Publish(fmt.Sprintf("t/%d", i%5), 0, false, []byte("x"))
		}(i)
	}
	wg.Wait()

	if got := len(mock.GetPublishedMessages()); got != 50 {
		t.Errorf("published = %d, want 50", got)
	}
}
