package logger

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender 运营群消息发送器（异步，带缓冲与重试）
type TelegramSender struct {
	send          func(message string) error
	msgChan       chan string
	retryCount    int
	retryInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	once          sync.Once
}

// NewTelegramSender 创建Telegram发送器
func NewTelegramSender(botToken string, chatID int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("创建telegram bot失败: %w", err)
	}
	bot.Debug = false

	return newSender(func(message string) error {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = tgbotapi.ModeMarkdown
		_, err := bot.Send(msg)
		return err
	}, 50, 3, 3*time.Second), nil
}

func newSender(send func(string) error, buffer, retries int, interval time.Duration) *TelegramSender {
	s := &TelegramSender{
		send:          send,
		msgChan:       make(chan string, buffer),
		retryCount:    retries,
		retryInterval: interval,
		stopChan:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.listenAndSend()
	return s
}

// SendAsync 异步发送消息，缓冲区满时丢弃
func (s *TelegramSender) SendAsync(message string) {
	select {
	case s.msgChan <- message:
	default:
		fmt.Printf("[Telegram] 消息缓冲区已满，消息被丢弃\n")
	}
}

func (s *TelegramSender) listenAndSend() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.msgChan:
			s.sendWithRetry(msg)
		case <-s.stopChan:
			for len(s.msgChan) > 0 {
				s.sendWithRetry(<-s.msgChan)
			}
			return
		}
	}
}

func (s *TelegramSender) sendWithRetry(message string) {
	var err error
	for i := 0; i < s.retryCount; i++ {
		if err = s.send(message); err == nil {
			return
		}
		if i < s.retryCount-1 {
			time.Sleep(s.retryInterval)
		}
	}
	fmt.Printf("[Telegram] 发送消息失败（已重试%d次）: %v\n", s.retryCount, err)
}

// Stop 停止发送器，发送完缓冲区内剩余消息后返回
func (s *TelegramSender) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}
