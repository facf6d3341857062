package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// Client ClaimService 的用戶端
type Client struct {
	conn *grpc.ClientConn
}

// Reply 領取結果；Status 為 pending / accepted / rejected / timed_out
type Reply struct {
	Handle  string
	Status  string
	OrderID types.OrderID
	Reason  types.RejectReason
}

// Dial 建立連線（不加密）
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitClaim 提交領取；wait > 0 時同時等待結果
func (c *Client) SubmitClaim(ctx context.Context, taskID, userID, accountID string, wait time.Duration) (Reply, error) {
	out, err := c.call(ctx, "SubmitClaim", map[string]any{
		"task_id":          taskID,
		"user_id":          userID,
		"buyer_account_id": accountID,
		"wait_ms":          wait.Milliseconds(),
	})
	if err != nil {
		return Reply{}, err
	}
	return toReply(out), nil
}

// AwaitClaim 等待 handle 的結果
func (c *Client) AwaitClaim(ctx context.Context, handle string, timeout time.Duration) (Reply, error) {
	out, err := c.call(ctx, "AwaitClaim", map[string]any{
		"handle":     handle,
		"timeout_ms": timeout.Milliseconds(),
	})
	if err != nil {
		return Reply{}, err
	}
	return toReply(out), nil
}

// CancelTask 取消任務
func (c *Client) CancelTask(ctx context.Context, taskID string) (Reply, error) {
	out, err := c.call(ctx, "CancelTask", map[string]any{"task_id": taskID})
	if err != nil {
		return Reply{}, err
	}
	return toReply(out), nil
}

// CompleteTask 結束任務
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Reply, error) {
	out, err := c.call(ctx, "CompleteTask", map[string]any{"task_id": taskID})
	if err != nil {
		return Reply{}, err
	}
	return toReply(out), nil
}

// Stats 佇列深度
func (c *Client) Stats(ctx context.Context) (ledger.Stats, error) {
	out, err := c.call(ctx, "Stats", nil)
	if err != nil {
		return ledger.Stats{}, err
	}
	f := out.GetFields()
	return ledger.Stats{
		Waiting:   int(f["waiting"].GetNumberValue()),
		Active:    int(f["active"].GetNumberValue()),
		Completed: int(f["completed"].GetNumberValue()),
		Failed:    int(f["failed"].GetNumberValue()),
		Lanes:     int(f["lanes"].GetNumberValue()),
		Paused:    f["paused"].GetBoolValue(),
	}, nil
}

// Pause 暫停分派
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.call(ctx, "Pause", nil)
	return err
}

// Resume 恢復分派
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.call(ctx, "Resume", nil)
	return err
}

// Purge 清除結束超過 olderThan 的結果
func (c *Client) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	out, err := c.call(ctx, "Purge", map[string]any{"older_than_ms": olderThan.Milliseconds()})
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["purged"].GetNumberValue()), nil
}

func toReply(s *structpb.Struct) Reply {
	return Reply{
		Handle:  stringField(s, "handle"),
		Status:  stringField(s, "status"),
		OrderID: types.OrderID(stringField(s, "order_id")),
		Reason:  types.RejectReason(stringField(s, "reason")),
	}
}
