package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/internal/store/memstore"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

func newStore(total int, status types.TaskStatus) *memstore.Store {
	s := memstore.New()
	s.PutTask(types.Task{ID: "t1", TotalCount: total, Status: status})
	for i := 1; i <= 5; i++ {
		s.PutUser(types.User{ID: types.UserID(fmt.Sprintf("u%d", i))})
		s.PutBuyerAccount(types.BuyerAccount{
			ID:     types.BuyerAccountID(fmt.Sprintf("a%d", i)),
			UserID: types.UserID(fmt.Sprintf("u%d", i)),
		})
	}
	return s
}

func claimUnit(task, user, account string) types.Unit {
	return types.Unit{
		Kind: types.UnitClaim,
		Request: types.ClaimRequest{
			TaskID:         types.TaskID(task),
			UserID:         types.UserID(user),
			BuyerAccountID: types.BuyerAccountID(account),
		},
	}
}

func TestProcess_ClaimRules(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		status types.TaskStatus
		prior  [][2]string // 先成功領取的 (user, account)
		unit   types.Unit
		want   types.RejectReason // 空字串代表接受
	}{
		{"accepted", 2, types.TaskActive, nil, claimUnit("t1", "u1", "a1"), ""},
		{"task not found", 2, types.TaskActive, nil, claimUnit("missing", "u1", "a1"), types.ReasonTaskNotFound},
		{"pending task", 2, types.TaskPending, nil, claimUnit("t1", "u1", "a1"), types.ReasonTaskNotOpen},
		{"completed task", 2, types.TaskCompleted, nil, claimUnit("t1", "u1", "a1"), types.ReasonTaskNotOpen},
		{"cancelled task", 2, types.TaskCancelled, nil, claimUnit("t1", "u1", "a1"), types.ReasonTaskNotOpen},
		{"capacity exhausted", 1, types.TaskActive, [][2]string{{"u1", "a1"}}, claimUnit("t1", "u2", "a2"), types.ReasonCapacityExhausted},
		{"same user", 3, types.TaskActive, [][2]string{{"u1", "a1"}}, claimUnit("t1", "u1", "a2"), types.ReasonAlreadyClaimed},
		{"same account", 3, types.TaskActive, [][2]string{{"u1", "a1"}}, claimUnit("t1", "u2", "a1"), types.ReasonAccountAlreadyUsed},
		{"unknown user", 3, types.TaskActive, nil, claimUnit("t1", "ghost", "a1"), types.ReasonInvalidReference},
		{"unknown account", 3, types.TaskActive, nil, claimUnit("t1", "u1", "ghost"), types.ReasonInvalidReference},
		// 容量檢查先於唯一性檢查
		{"full beats duplicate", 1, types.TaskActive, [][2]string{{"u1", "a1"}}, claimUnit("t1", "u1", "a1"), types.ReasonCapacityExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(tt.total, types.TaskActive)
			p := New(s)
			ctx := context.Background()

			for _, pr := range tt.prior {
				out, err := p.Process(ctx, claimUnit("t1", pr[0], pr[1]))
				require.NoError(t, err)
				require.True(t, out.Accepted)
			}
			if tt.status != types.TaskActive {
				task, _ := s.Task("t1")
				task.Status = tt.status
				s.PutTask(task)
			}

			before := s.CountOrders("t1")
			out, err := p.Process(ctx, tt.unit)
			require.NoError(t, err)

			if tt.want == "" {
				assert.True(t, out.Accepted)
				assert.NotEmpty(t, out.OrderID)
				assert.Equal(t, before+1, s.CountOrders("t1"))
				return
			}
			assert.False(t, out.Accepted)
			assert.Equal(t, tt.want, out.Reason)
			assert.Equal(t, before, s.CountOrders("t1"), "rejection must not create orders")
		})
	}
}

func TestProcess_InfrastructureErrorIsReturned(t *testing.T) {
	s := newStore(2, types.TaskActive)
	s.SetFault(func(op string, _ types.TaskID) error {
		if op == "create" {
			return store.ErrUnavailable
		}
		return nil
	})
	p := New(s)

	_, err := p.Process(context.Background(), claimUnit("t1", "u1", "a1"))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 0, s.CountOrders("t1"))
}

func TestProcess_RecoveredUnitSeesOwnOrder(t *testing.T) {
	s := newStore(1, types.TaskActive)
	p := New(s)
	ctx := context.Background()

	first, err := p.Process(ctx, claimUnit("t1", "u1", "a1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	unit := claimUnit("t1", "u1", "a1")
	unit.Recovered = true
	again, err := p.Process(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, s.CountOrders("t1"))

	// 不同帳號不算同一筆
	other := claimUnit("t1", "u1", "a2")
	other.Recovered = true
	out, err := p.Process(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonCapacityExhausted, out.Reason)
}

func TestProcess_RetriedUnitSeesOwnOrder(t *testing.T) {
	s := newStore(2, types.TaskActive)
	p := New(s)
	ctx := context.Background()

	first := claimUnit("t1", "u1", "a1")
	first.Attempt = 1
	out, err := p.Process(ctx, first)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	// 第一次的提交成功但回應遺失，重試拿回同一筆訂單
	retry := first
	retry.Attempt = 2
	again, err := p.Process(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, 1, s.CountOrders("t1"))

	// 非重試的新請求照常被唯一性擋下
	fresh := claimUnit("t1", "u1", "a1")
	fresh.Attempt = 1
	dup, err := p.Process(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonAlreadyClaimed, dup.Reason)
}

func TestProcess_TaskTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   types.TaskStatus
		kind   types.UnitKind
		want   types.TaskStatus
		reject types.RejectReason
	}{
		{"cancel active", types.TaskActive, types.UnitCancelTask, types.TaskCancelled, ""},
		{"cancel pending", types.TaskPending, types.UnitCancelTask, types.TaskCancelled, ""},
		{"complete active", types.TaskActive, types.UnitCompleteTask, types.TaskCompleted, ""},
		{"complete pending", types.TaskPending, types.UnitCompleteTask, types.TaskPending, types.ReasonTaskNotOpen},
		{"cancel completed", types.TaskCompleted, types.UnitCancelTask, types.TaskCompleted, types.ReasonTaskNotOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(1, tt.from)
			p := New(s)

			out, err := p.Process(context.Background(), types.Unit{Kind: tt.kind, Request: types.ClaimRequest{TaskID: "t1"}})
			require.NoError(t, err)
			if tt.reject == "" {
				assert.True(t, out.Accepted)
			} else {
				assert.Equal(t, tt.reject, out.Reason)
			}
			task, _ := s.Task("t1")
			assert.Equal(t, tt.want, task.Status)
		})
	}

	p := New(memstore.New())
	out, err := p.Process(context.Background(), types.Unit{Kind: types.UnitCancelTask, Request: types.ClaimRequest{TaskID: "none"}})
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTaskNotFound, out.Reason)
}

func TestProcess_UnknownKind(t *testing.T) {
	p := New(memstore.New())
	_, err := p.Process(context.Background(), types.Unit{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
