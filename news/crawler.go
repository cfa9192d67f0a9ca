// Package news 抓取资讯页面并定时入库
package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"starcapital/config"
)

// MaxArticleLimit 单次抓取的最大条数
const MaxArticleLimit = 50

var reMultiSpace = regexp.MustCompile(`\s{2,}`)

// Crawler 按选择器从列表页提取资讯
type Crawler struct {
	client *http.Client
}

// NewCrawler 创建抓取器，client 为 nil 时使用 30 秒超时的默认客户端
func NewCrawler(client *http.Client) *Crawler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Crawler{client: client}
}

// ValidateTask 校验抓取任务配置
func ValidateTask(t *config.CrawlTask) error {
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("无效的抓取地址: %s", t.URL)
	}
	if strings.TrimSpace(t.ItemSelector) == "" {
		return fmt.Errorf("列表选择器不能为空")
	}
	if t.ArticleLimit <= 0 {
		t.ArticleLimit = 10
	}
	if t.ArticleLimit > MaxArticleLimit {
		return fmt.Errorf("抓取条数不能超过 %d", MaxArticleLimit)
	}
	if t.Schedule == "" {
		t.Schedule = "0 9 * * *"
	}
	if _, err := cronParser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("无效的定时表达式: %w", err)
	}
	return nil
}

// Fetch 下载任务页面并提取资讯
func (c *Crawler) Fetch(ctx context.Context, task *config.CrawlTask) ([]*config.Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StarCapitalNewsBot/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return extract(doc, task, resp.Request.URL), nil
}

// extract 按选择器提取，标题为空或链接重复的条目跳过
func extract(doc *goquery.Document, task *config.CrawlTask, base *url.URL) []*config.Article {
	limit := task.ArticleLimit
	if limit <= 0 || limit > MaxArticleLimit {
		limit = MaxArticleLimit
	}
	source := base.Host

	var articles []*config.Article
	seen := map[string]bool{}
	doc.Find(task.ItemSelector).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		titleSel := pick(item, task.TitleSelector)
		title := cleanText(titleSel.Text())
		if title == "" {
			return true
		}

		link := linkOf(item, titleSel, task.LinkSelector)
		abs := resolve(base, link)
		if abs == "" || seen[abs] {
			return true
		}
		seen[abs] = true

		articles = append(articles, &config.Article{
			TaskID:  task.ID,
			Source:  source,
			URL:     abs,
			Title:   title,
			Summary: cleanText(pick(item, task.SummarySelector).Text()),
		})
		return len(articles) < limit
	})

	return articles
}

// pick 选择器为空时使用条目本身
func pick(item *goquery.Selection, selector string) *goquery.Selection {
	if strings.TrimSpace(selector) == "" {
		return item
	}
	return item.Find(selector).First()
}

// linkOf 依次尝试：链接选择器、标题元素本身、标题内的 a、条目本身、条目内的 a
func linkOf(item, title *goquery.Selection, selector string) string {
	candidates := []*goquery.Selection{}
	if selector != "" {
		candidates = append(candidates, item.Find(selector).First())
	}
	candidates = append(candidates, title, title.Find("a").First(), item, item.Find("a").First())
	for _, sel := range candidates {
		if href, ok := sel.Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href)
		}
	}
	return ""
}

func resolve(base *url.URL, href string) string {
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func cleanText(s string) string {
	return strings.TrimSpace(reMultiSpace.ReplaceAllString(s, " "))
}
