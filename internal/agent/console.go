package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/supportbot/frontdesk-go/internal/model"
)

// Asker 提交来电者问题
type Asker interface {
	Ask(ctx context.Context, question string) (*model.CallResponse, error)
}

// RunConsole 从 in 逐行读取问题并打印回复，输入结束或 ctx 取消时返回
func RunConsole(ctx context.Context, in io.Reader, out *ConsoleDeliverer, asker Asker) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	out.Printf("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("读取输入失败: %w", err)
					}
				default:
				}
				return nil
			}
			answer(ctx, out, asker, line)
			out.Printf("> ")
		}
	}
}

func answer(ctx context.Context, out *ConsoleDeliverer, asker Asker, line string) {
	resp, err := asker.Ask(ctx, line)
	switch {
	case errors.Is(err, ErrEmptyQuestion):
		return
	case err != nil:
		out.Printf("[assistant] Sorry, I'm having trouble right now. Please try again in a moment. (%v)\n", err)
	case resp.Status == model.CallEscalated:
		out.Printf("[assistant] %s (request %s)\n", resp.Response, resp.HelpRequestID)
	default:
		out.Printf("[assistant] %s\n", resp.Response)
	}
}
