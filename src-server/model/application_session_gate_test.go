package model_test

import (
	"context"
	"testing"
	"time"

	"learntrack/src-server/model"
)

func TestApplicationSessionGateRoundRobin(t *testing.T) {
	bundb := newTestDB(t)
	key := []byte("test-secret-key")

	gateModel := model.ApplicationSessionGate{
		Label:     "variant test",
		IsActive:  true,
		UpdatedAt: time.Now(),
	}
	if err := gateModel.GenerateCode(key); err != nil {
		t.Error(err)
	}
	if _, err := bundb.NewInsert().
		Model(&gateModel).
		Exec(context.Background()); err != nil {
		t.Error(err)
	}

	// case: a gate without members fails
	if _, err := gateModel.NextTarget(context.Background(), bundb); err == nil {
		t.Error("expected error for gate without members")
	}

	memberCodes := []string{"sessioncodeA", "sessioncodeB", "sessioncodeC"}
	for i, code := range memberCodes {
		if _, err := bundb.NewInsert().
			Model(&model.ApplicationSessionGateMember{
				GateCode:               gateModel.Code,
				ApplicationSessionCode: code,
				Position:               int64(i),
			}).
			Exec(context.Background()); err != nil {
			t.Error(err)
		}
	}

	// case: members cycle in position order
	for i := 0; i < 2*len(memberCodes); i++ {
		target, err := gateModel.NextTarget(context.Background(), bundb)
		if err != nil {
			t.Error(err)
		}
		if target != memberCodes[i%len(memberCodes)] {
			t.Error("unexpected gate target", i, target)
		}
	}

	// case: the forward index survives a reload
	reloadedModel := new(model.ApplicationSessionGate)
	if err := bundb.NewSelect().
		Model(reloadedModel).
		Where("code = ?", gateModel.Code).
		Scan(context.Background()); err != nil {
		t.Error(err)
	}
	if reloadedModel.NextForwardIndex != gateModel.NextForwardIndex {
		t.Error("forward index not persisted", reloadedModel.NextForwardIndex)
	}
}
