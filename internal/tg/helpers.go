package tg

import (
	"fmt"
	"html"
	"strings"
	"sync"

	api "github.com/OvyFlash/telegram-bot-api"
)

type linkCache struct {
	mu    sync.RWMutex
	links map[int64]string
}

func newLinkCache() *linkCache {
	return &linkCache{links: map[int64]string{}}
}

func (c *linkCache) Get(chatID int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	link, ok := c.links[chatID]
	return link, ok
}

func (c *linkCache) Set(chatID int64, link string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[chatID] = link
}

// Mention renders an HTML deep link to a user.
func Mention(userID int64, label string) string {
	if label == "" {
		label = fmt.Sprintf("%d", userID)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(label))
}

// MessageLink renders a t.me link to a message within a chat link path.
func MessageLink(chatLink string, messageID int) string {
	return fmt.Sprintf("https://t.me/%s/%d", chatLink, messageID)
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	return userName
}

func GetFullName(user *api.User) string {
	if user == nil {
		return ""
	}
	fullName := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if len(fullName) == 0 {
		fullName = user.UserName
	}
	return fullName
}
