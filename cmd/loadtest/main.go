package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Reason string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	voucherID := flag.Int64("voucher", 1, "seckill voucher id")
	create := flag.Bool("create", true, "create the voucher (and preload stock) before test")
	stock := flag.Int64("stock", 1, "voucher stock when -create is set")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for voucher endpoint")
	stockCheck := flag.Bool("check", true, "check redis stock after test")

	// 超卖测试参数：200 个用户并发抢 1 件
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *create {
		now := time.Now()
		body := map[string]any{
			"voucher_id": *voucherID,
			"title":      fmt.Sprintf("loadtest voucher %d", *voucherID),
			"stock":      *stock,
			"pay_value":  100,
			"begin_time": now.Add(-time.Minute).Format(time.RFC3339),
			"end_time":   now.Add(time.Hour).Format(time.RFC3339),
		}
		if err := doPOST(client, *baseURL+"/api/vouchers/seckill", body, map[string]string{
			"X-Admin-Token": *adminToken,
		}); err != nil {
			panic(fmt.Sprintf("create voucher failed: %v", err))
		}
		fmt.Println("voucher created")
	}

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", *voucherID, *nUsers, *concurrency)
	results := run(*nUsers, *concurrency, func(idx int) Result {
		return buyOnce(client, *baseURL, *voucherID, int64(idx+1))
	})
	printSummary("oversell", results)

	if *stockCheck {
		left, err := getStock(client, *baseURL, *voucherID)
		if err != nil {
			fmt.Println("stock check err:", err)
		} else {
			fmt.Println("final redis stock:", left)
		}
	}

	// 2) 一人一单 + 限流：同一个 user 重复抢，默认 1000/s 很难触发 429，
	// 可临时调小 BUY_RATE_LIMIT 再测。
	fmt.Println("\nstart same-user test: user 10001, 50 requests, concurrency 50")
	results2 := run(50, 50, func(int) Result {
		return buyOnce(client, *baseURL, *voucherID, 10001)
	})
	printSummary("same_user", results2)
}

// run 以有限并发执行 total 次 fn。
func run(total, concurrency int, fn func(idx int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func buyOnce(client *http.Client, baseURL string, voucherID, userID int64) Result {
	url := fmt.Sprintf("%s/api/vouchers/seckill/%d/orders", baseURL, voucherID)
	httpReq, _ := http.NewRequest(http.MethodPost, url, nil)
	httpReq.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, Reason: out.Reason}
}

// printSummary 聚合输出状态码与拒绝原因分布。
func printSummary(name string, results []Result) {
	count := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		k := strconv.Itoa(r.Status)
		if r.Reason != "" {
			k += " " + r.Reason
		}
		count[k]++
	}
	keys := make([]string, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("[%s] outcome summary:\n", name)
	for _, k := range keys {
		fmt.Printf("  %s -> %d\n", k, count[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 POST 请求（支持附加请求头）。
func doPOST(client *http.Client, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getStock 查询 Redis 中当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, voucherID int64) (int64, error) {
	url := fmt.Sprintf("%s/api/vouchers/seckill/%d/stock", baseURL, voucherID)
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
