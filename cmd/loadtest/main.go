package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	token := flag.String("token", "", "buyer bearer token")
	productID := flag.Uint("product", 1, "product id")
	unitPrice := flag.String("price", "10.00", "unit price claimed by the cart")

	// 超卖测试参数：200 个并发请求抢有限库存
	total := flag.Int("n", 200, "total order attempts")
	concurrency := flag.Int("c", 50, "max concurrency")
	stockCheck := flag.Bool("stock", true, "fetch product stock after test (requires seller listing)")
	flag.Parse()

	if *token == "" {
		panic("missing -token (login first, pass the buyer JWT)")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("start oversell test: product=%d attempts=%d concurrency=%d\n", *productID, *total, *concurrency)
	results := runCheckout(client, *baseURL, *token, *productID, *unitPrice, *total, *concurrency)
	printSummary("oversell", results)

	// 201 的数量不得超过初始库存；对不上就是超卖。
	created := 0
	for _, r := range results {
		if r.Status == http.StatusCreated {
			created++
		}
	}
	fmt.Printf("orders created: %d (must not exceed initial stock)\n", created)

	if *stockCheck {
		fmt.Println("verify remaining quantity via GET /api/orders with the same token,")
		fmt.Println("or query the products table directly: quantity must be >= 0.")
	}
}

func runCheckout(client *http.Client, baseURL, token string, productID uint, unitPrice string, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = checkoutOnce(client, baseURL, token, productID, unitPrice)
		}(i)
	}

	wg.Wait()
	return results
}

// checkoutOnce 发送一次下单请求：单商品、数量 1，金额按 -price 填写。
// 金额与服务端重算不一致会拿到 400，属于参数配置问题而非超卖。
func checkoutOnce(client *http.Client, baseURL, token string, productID uint, unitPrice string) Result {
	body := map[string]any{
		"items": []map[string]any{
			{"product_id": productID, "quantity": 1},
		},
		"payment_method": "stripe",
		"shipping_address": map[string]any{
			"full_name":     "Load Tester",
			"phone":         "5550100",
			"address_line1": "1 Test Way",
			"city":          "Testville",
			"state":         "CA",
			"postal_code":   "90000",
			"country":       "US",
		},
		"subtotal":      unitPrice,
		"shipping_cost": "0",
		"tax":           "0",
		"total":         unitPrice,
	}

	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(respBody)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{201, 400, 401, 404, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
