package model

import "testing"

func TestDeviceClone(t *testing.T) {
	d := Device{
		IP:     "192.168.1.10",
		Type:   TypeSwitch,
		Status: StatusConfigured,
		Neighbors: map[string]Neighbor{
			"1/1/4": {SystemName: "R350", MgmtIP: "172.16.128.13"},
		},
		APPorts:        []string{"1/1/4"},
		TasksCompleted: []string{"base_config"},
	}

	c := d.Clone()
	c.Neighbors["1/1/5"] = Neighbor{SystemName: "R650"}
	c.APPorts[0] = "1/1/9"
	c.TasksCompleted = append(c.TasksCompleted, "device_config")

	if len(d.Neighbors) != 1 {
		t.Errorf("clone mutation leaked into original neighbors: %v", d.Neighbors)
	}
	if d.APPorts[0] != "1/1/4" {
		t.Errorf("clone mutation leaked into original ap_ports: %v", d.APPorts)
	}
	if len(d.TasksCompleted) != 1 {
		t.Errorf("clone mutation leaked into original tasks: %v", d.TasksCompleted)
	}
}

func TestAPPortSet(t *testing.T) {
	d := Device{Type: TypeSwitch}

	if !d.AddAPPort("1/1/4") {
		t.Error("first add should change the set")
	}
	if d.AddAPPort("1/1/4") {
		t.Error("duplicate add should not change the set")
	}
	d.AddAPPort("1/1/2")
	d.AddAPPort("1/1/7")

	want := []string{"1/1/2", "1/1/4", "1/1/7"}
	if len(d.APPorts) != len(want) {
		t.Fatalf("APPorts = %v, want %v", d.APPorts, want)
	}
	for i := range want {
		if d.APPorts[i] != want[i] {
			t.Errorf("APPorts[%d] = %q, want %q", i, d.APPorts[i], want[i])
		}
	}

	if !d.HasAPPort("1/1/4") {
		t.Error("HasAPPort(1/1/4) = false after add")
	}
	if !d.RemoveAPPort("1/1/4") {
		t.Error("remove of present port should change the set")
	}
	if d.RemoveAPPort("1/1/4") {
		t.Error("remove of absent port should not change the set")
	}
	if d.HasAPPort("1/1/4") {
		t.Error("HasAPPort(1/1/4) = true after remove")
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventDeviceDiscovered, map[string]interface{}{"ip": "10.0.0.1"})
	if e.ID == "" {
		t.Error("event id should be populated")
	}
	if e.Type != EventDeviceDiscovered {
		t.Errorf("type = %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should be populated")
	}
	e2 := NewEvent(EventDeviceDiscovered, nil)
	if e.ID == e2.ID {
		t.Error("event ids should be unique")
	}
}
