package main

import (
	"sort"
	"testing"
)

func TestQuestionNumberOrdersNumerically(t *testing.T) {
	ids := []string{"question_10", "question_2", "other", "question_1"}
	sort.Slice(ids, func(i, j int) bool { return questionNumber(ids[i]) < questionNumber(ids[j]) })

	want := []string{"question_1", "question_2", "question_10", "other"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s (%v)", i, want[i], ids[i], ids)
		}
	}
}
