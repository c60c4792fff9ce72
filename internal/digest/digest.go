package digest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	"gopkg.in/gomail.v2"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/metrics"
)

// DashboardSource supplies the figures the digest reports on.
type DashboardSource interface {
	Dashboard(ctx context.Context) domain.Dashboard
	ShopName() string
}

type Notifier interface {
	Notify(ctx context.Context, subject string, body string) error
}

// LogNotifier writes the digest to the process log. Used when SMTP is not
// configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, subject string, body string) error {
	log.Printf("[digest] %s\n%s", subject, body)
	return nil
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type MailNotifier struct {
	from   string
	to     string
	dialer *gomail.Dialer
}

func NewMailNotifier(cfg MailConfig) *MailNotifier {
	return &MailNotifier{
		from:   cfg.From,
		to:     cfg.To,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (n *MailNotifier) Notify(_ context.Context, subject string, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return n.dialer.DialAndSend(m)
}

// Compose renders the end-of-day digest.
func Compose(shopName string, d domain.Dashboard) (string, string) {
	if strings.TrimSpace(shopName) == "" {
		shopName = "Sylsas Fashion"
	}
	subject := fmt.Sprintf("%s daily digest %s", shopName, d.GeneratedAt.Format("2006-01-02"))

	var b strings.Builder
	fmt.Fprintf(&b, "Today's revenue: %s\n", FormatMoney(d.TodaysRevenue))
	fmt.Fprintf(&b, "Total profit: %s\n", FormatMoney(d.TotalProfit))
	fmt.Fprintf(&b, "Total expense: %s\n", FormatMoney(d.TotalExpense))
	fmt.Fprintf(&b, "Net income: %s\n", FormatMoney(d.NetIncome))
	fmt.Fprintf(&b, "Expense this month: %s\n", FormatMoney(d.MonthlyExpense))
	fmt.Fprintf(&b, "Outstanding due: %s\n", FormatMoney(d.TotalDue))
	fmt.Fprintf(&b, "Stock valuation: %s\n", FormatMoney(d.StockValuation))

	if len(d.LowStock) == 0 {
		b.WriteString("Low stock: none\n")
	} else {
		fmt.Fprintf(&b, "Low stock (below %d):\n", d.LowStockLimit)
		for _, p := range d.LowStock {
			fmt.Fprintf(&b, "  - %s (%d left)\n", p.Name, p.TotalQuantity())
		}
	}
	return subject, b.String()
}

// FormatMoney renders minor units with two decimals.
func FormatMoney(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

type Scheduler struct {
	source   DashboardSource
	notifier Notifier
	metrics  *metrics.Metrics
	cron     *gocron.Scheduler
}

func NewScheduler(source DashboardSource, notifier Notifier, m *metrics.Metrics, location *time.Location) *Scheduler {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		source:   source,
		notifier: notifier,
		metrics:  m,
		cron:     gocron.NewScheduler(location),
	}
}

// Start schedules RunOnce every day at "HH:MM".
func (s *Scheduler) Start(at string) error {
	_, err := s.cron.Every(1).Day().At(at).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			log.Printf("[digest] WARN: delivery failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule digest at %q: %w", at, err)
	}
	s.cron.StartAsync()
	log.Printf("[digest] scheduled daily at %s (%s)", at, s.cron.Location())
	return nil
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	subject, body := Compose(s.source.ShopName(), s.source.Dashboard(ctx))
	err := s.notifier.Notify(ctx, subject, body)
	s.metrics.ObserveDigest(err)
	return err
}

func (s *Scheduler) Close() error {
	s.cron.Stop()
	return nil
}
