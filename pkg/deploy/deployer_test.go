package deploy_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/dukex/procession/pkg/deploy"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/dukex/procession/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeployer(t *testing.T, p *memory.Persistence) *deploy.Deployer {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	engine := runtime.NewEngine(p, nil, logger)

	deployer, err := deploy.NewDeployer(engine, subscription.NewManager(logger), logger)
	require.NoError(t, err)

	return deployer
}

const orderDefinitionJSON = `{
	"key": "order",
	"name": "Order handling",
	"elements": [
		{"id": "start", "type": "start_event"},
		{"id": "charge", "type": "activity"},
		{
			"id": "charge_failed",
			"type": "boundary_event",
			"attached_to_id": "charge",
			"interrupting": true,
			"event": {"kind": "error", "ref": "paymentError"}
		}
	],
	"errors": {"paymentError": "PAYMENT_FAILED"}
}`

func TestDeployAssignsSequentialVersions(t *testing.T) {
	p := memory.NewPersistence()
	deployer := newDeployer(t, p)
	ctx := context.Background()

	v1, err := deployer.Deploy(ctx, []byte(orderDefinitionJSON))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.NotEmpty(t, v1.ID)

	v2, err := deployer.Deploy(ctx, []byte(orderDefinitionJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	latest, err := p.Definitions().LatestByKey(ctx, "order", "")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)
}

func TestDeployRejectsMalformedDefinitions(t *testing.T) {
	deployer := newDeployer(t, memory.NewPersistence())
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"key": `},
		{"missing key", `{"elements": [{"id": "a", "type": "activity"}]}`},
		{"empty elements", `{"key": "p", "elements": []}`},
		{"bad element type", `{"key": "p", "elements": [{"id": "a", "type": "rectangle"}]}`},
		{"bad key characters", `{"key": "no spaces", "elements": [{"id": "a", "type": "activity"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := deployer.Deploy(ctx, []byte(tc.raw))
			require.Error(t, err)
			assert.True(t, deploy.IsValidationError(err))
		})
	}
}

func TestDeployRejectsBrokenReferences(t *testing.T) {
	deployer := newDeployer(t, memory.NewPersistence())
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{
			"duplicate ids",
			`{"key": "p", "elements": [
				{"id": "a", "type": "activity"},
				{"id": "a", "type": "activity"}
			]}`,
		},
		{
			"unknown scope",
			`{"key": "p", "elements": [{"id": "a", "type": "activity", "scope_id": "ghost"}]}`,
		},
		{
			"detached boundary event",
			`{"key": "p", "elements": [{"id": "b", "type": "boundary_event", "event": {"kind": "error"}}]}`,
		},
		{
			"call activity without key",
			`{"key": "p", "elements": [{"id": "c", "type": "call_activity"}]}`,
		},
		{
			"event subprocess without typed start",
			`{"key": "p", "elements": [{"id": "esp", "type": "event_subprocess"}]}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := deployer.Deploy(ctx, []byte(tc.raw))
			require.Error(t, err)
			assert.True(t, deploy.IsValidationError(err))
		})
	}
}

const messageStartJSON = `{
	"key": "%KEY%",
	"elements": [
		{"id": "msg_start", "type": "start_event", "event": {"kind": "message", "ref": "orderMessage"}}
	],
	"messages": {"orderMessage": "order.placed"}
}`

func withKey(raw, key string) []byte {
	return []byte(strings.ReplaceAll(raw, "%KEY%", key))
}

func TestDeployStartMessageConflictAbortsDeployment(t *testing.T) {
	p := memory.NewPersistence()
	deployer := newDeployer(t, p)
	ctx := context.Background()

	first, err := deployer.Deploy(ctx, withKey(messageStartJSON, "proc-a"))
	require.NoError(t, err)

	_, err = deployer.Deploy(ctx, withKey(messageStartJSON, "proc-b"))
	require.Error(t, err)
	assert.True(t, subscription.IsConflict(err))

	// Nothing of the rejected deployment survives.
	_, err = p.Definitions().LatestByKey(ctx, "proc-b", "")
	require.Error(t, err)

	subs, err := p.Subscriptions().ByNameAndType(ctx, "order.placed", models.SubscriptionMessage, "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, first.ID, subs[0].ProcessDefinitionID)
}

func TestDeployNewVersionReplacesStartSubscription(t *testing.T) {
	p := memory.NewPersistence()
	deployer := newDeployer(t, p)
	ctx := context.Background()

	_, err := deployer.Deploy(ctx, withKey(messageStartJSON, "orders"))
	require.NoError(t, err)

	v2, err := deployer.Deploy(ctx, withKey(messageStartJSON, "orders"))
	require.NoError(t, err)

	subs, err := p.Subscriptions().ByNameAndType(ctx, "order.placed", models.SubscriptionMessage, "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, v2.ID, subs[0].ProcessDefinitionID)
}
