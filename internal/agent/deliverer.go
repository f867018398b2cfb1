package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Deliverer 把已解决的答案传达给来电者（语音播报等由实现方负责重试）
type Deliverer interface {
	Deliver(ctx context.Context, text string) error
}

// ConsoleDeliverer 输出到终端
type ConsoleDeliverer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleDeliverer 创建终端输出
func NewConsoleDeliverer(out io.Writer) *ConsoleDeliverer {
	return &ConsoleDeliverer{out: out}
}

// Deliver 打印答案
func (d *ConsoleDeliverer) Deliver(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.out, "\n[assistant] %s\n", text)
	return err
}

// Printf 与播报共用同一输出的提示信息
func (d *ConsoleDeliverer) Printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

// AnswerText 答案播报话术
func AnswerText(question, answer string) string {
	return fmt.Sprintf(
		"I just received an answer to your question about %s. The answer is: %s "+
			"Is there anything else you'd like to know about our salon services?",
		question, answer)
}
