package memtable

import "testing"

func TestSkipListPutGet(t *testing.T) {
	sl := newSkipList()

	testData := map[string]string{
		"key3": "value3",
		"key1": "value1",
		"key2": "value2",
		"key5": "value5",
		"key4": "value4",
	}

	for k, v := range testData {
		sl.put([]byte(k), []byte(v), false)
	}

	for k, expectedV := range testData {
		e, found := sl.get([]byte(k))
		if !found {
			t.Errorf("Key %s not found", k)
			continue
		}
		if string(e.value) != expectedV {
			t.Errorf("Key %s: expected %s, got %s", k, expectedV, string(e.value))
		}
	}

	_, found := sl.get([]byte("nonexistent"))
	if found {
		t.Error("Non-existent key should not be found")
	}
}

func TestSkipListUpdate(t *testing.T) {
	sl := newSkipList()
	sl.put([]byte("key1"), []byte("value1"), false)
	sl.put([]byte("key1"), []byte("value1_updated"), false)

	e, found := sl.get([]byte("key1"))
	if !found {
		t.Fatal("Key should exist after update")
	}
	if string(e.value) != "value1_updated" {
		t.Errorf("Expected value1_updated, got %s", string(e.value))
	}
}

func TestSkipListTombstone(t *testing.T) {
	sl := newSkipList()
	sl.put([]byte("key1"), []byte("value1"), false)

	e, found := sl.get([]byte("key1"))
	if !found || e.tombstone {
		t.Fatal("key1 should exist as a live entry before delete")
	}

	sl.put([]byte("key1"), nil, true)

	e, found = sl.get([]byte("key1"))
	if !found {
		t.Fatal("tombstone entries remain present, not absent")
	}
	if !e.tombstone {
		t.Error("expected key1 to be tombstoned")
	}
}

func TestSkipListZeroLengthValueIsNotATombstone(t *testing.T) {
	sl := newSkipList()
	sl.put([]byte("key1"), []byte{}, false)

	e, found := sl.get([]byte("key1"))
	if !found {
		t.Fatal("key1 should be present")
	}
	if e.tombstone {
		t.Error("a zero-length value must not be treated as a tombstone")
	}
}

func TestSkipListFloorOrdersKeys(t *testing.T) {
	sl := newSkipList()
	keys := []string{"key3", "key1", "key2", "key5", "key4"}
	for _, k := range keys {
		sl.put([]byte(k), []byte("v-"+k), false)
	}

	expected := []string{"key1", "key2", "key3", "key4", "key5"}
	curr := sl.floor([]byte(""))
	curr = curr.next[0]
	idx := 0
	for curr != nil {
		if idx >= len(expected) {
			t.Fatalf("iterator returned more items than expected")
		}
		if string(curr.key) != expected[idx] {
			t.Errorf("position %d: expected %s, got %s", idx, expected[idx], curr.key)
		}
		curr = curr.next[0]
		idx++
	}
	if idx != len(expected) {
		t.Errorf("expected %d items, got %d", len(expected), idx)
	}
}

func TestSkipListSize(t *testing.T) {
	sl := newSkipList()
	if sl.size != 0 {
		t.Errorf("new skip list should have size 0, got %d", sl.size)
	}

	sl.put([]byte("key1"), []byte("value1"), false)
	if sl.size != 1 {
		t.Errorf("expected size 1, got %d", sl.size)
	}

	sl.put([]byte("key2"), []byte("value2"), false)
	if sl.size != 2 {
		t.Errorf("expected size 2, got %d", sl.size)
	}

	sl.put([]byte("key1"), []byte("value1_updated"), false)
	if sl.size != 2 {
		t.Errorf("update should not increase size, expected 2, got %d", sl.size)
	}
}
