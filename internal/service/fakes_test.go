package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"chatconsole/internal/domain"
	"chatconsole/internal/events"
	"chatconsole/internal/providers/line"
	sqsqueue "chatconsole/internal/queue/sqs"
	"chatconsole/internal/realtime"
	"chatconsole/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// memData is a snapshot of the whole store. Transactions work on a clone and swap it in on commit.
type memData struct {
	accounts      map[int64]domain.Account
	accountGroups map[int64][]int64
	agents        map[int64]domain.Agent
	groups        []domain.Group
	customers     map[int64]domain.Customer
	nextCustomer  int64
	messages      []domain.Message
	tags          map[int64][]string
}

func (d *memData) clone() *memData {
	return &memData{
		accounts:      maps.Clone(d.accounts),
		accountGroups: maps.Clone(d.accountGroups),
		agents:        maps.Clone(d.agents),
		groups:        slices.Clone(d.groups),
		customers:     maps.Clone(d.customers),
		nextCustomer:  d.nextCustomer,
		messages:      slices.Clone(d.messages),
		tags:          maps.Clone(d.tags),
	}
}

type memStore struct {
	txMu   sync.Mutex
	dataMu sync.Mutex
	data   *memData
	// failInsert makes message inserts fail inside transactions.
	failInsert error
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		accounts:      map[int64]domain.Account{},
		accountGroups: map[int64][]int64{},
		agents:        map[int64]domain.Agent{},
		customers:     map[int64]domain.Customer{},
		tags:          map[int64][]string{},
	}}
}

func (s *memStore) snapshot() *memData {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data.clone()
}

// Repositories outside a transaction read a private snapshot; the service never writes through them.
func (s *memStore) Accounts() store.AccountRepository        { return memAccounts{d: s.snapshot()} }
func (s *memStore) Customers() store.CustomerRepository      { return memCustomers{d: s.snapshot()} }
func (s *memStore) Messages() store.MessageRepository        { return memMessages{d: s.snapshot()} }
func (s *memStore) Agents() store.AgentRepository            { return memAgents{d: s.snapshot()} }
func (s *memStore) Groups() store.GroupRepository            { return memGroups{d: s.snapshot()} }
func (s *memStore) Conversations() store.ConversationQueries { return memConversations{d: s.snapshot()} }

// WithTx refuses a done context the way pgx Begin does.
func (s *memStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	d := s.snapshot()
	if err := fn(memTx{d: d, failInsert: s.failInsert}); err != nil {
		return err
	}
	s.dataMu.Lock()
	s.data = d
	s.dataMu.Unlock()
	return nil
}

type memTx struct {
	d          *memData
	failInsert error
}

func (t memTx) Accounts() store.AccountRepository   { return memAccounts{d: t.d} }
func (t memTx) Customers() store.CustomerRepository { return memCustomers{d: t.d} }
func (t memTx) Messages() store.MessageRepository   { return memMessages{d: t.d, failInsert: t.failInsert} }

type memAccounts struct{ d *memData }

func (r memAccounts) ByWebhookPath(_ context.Context, path string) (domain.Account, bool, error) {
	for _, a := range r.d.accounts {
		if a.WebhookPath == path {
			return a, true, nil
		}
	}
	return domain.Account{}, false, nil
}

func (r memAccounts) ByID(_ context.Context, id int64) (domain.Account, bool, error) {
	a, ok := r.d.accounts[id]
	return a, ok, nil
}

func (r memAccounts) GroupIDs(_ context.Context, accountID int64) ([]int64, error) {
	return slices.Clone(r.d.accountGroups[accountID]), nil
}

type memAgents struct{ d *memData }

func (r memAgents) ByID(_ context.Context, id int64) (domain.Agent, bool, error) {
	a, ok := r.d.agents[id]
	return a, ok, nil
}

type memGroups struct{ d *memData }

func (r memGroups) List(context.Context) ([]domain.Group, error) { return slices.Clone(r.d.groups), nil }

type memCustomers struct{ d *memData }

func (r memCustomers) find(accountID int64, ext string) (domain.Customer, bool) {
	for _, c := range r.d.customers {
		if c.AccountID == accountID && c.ExternalUserID == ext {
			return r.withEmail(c), true
		}
	}
	return domain.Customer{}, false
}

func (r memCustomers) withEmail(c domain.Customer) domain.Customer {
	c.ReadByEmail = ""
	if c.ReadByAgentID != nil {
		c.ReadByEmail = r.d.agents[*c.ReadByAgentID].Email
	}
	return c
}

func (r memCustomers) Get(_ context.Context, accountID int64, ext string) (domain.Customer, bool, error) {
	c, ok := r.find(accountID, ext)
	return c, ok, nil
}

func (r memCustomers) GetForUpdate(ctx context.Context, accountID int64, ext string) (domain.Customer, bool, error) {
	return r.Get(ctx, accountID, ext)
}

func (r memCustomers) GetByIDForUpdate(_ context.Context, id int64) (domain.Customer, bool, error) {
	c, ok := r.d.customers[id]
	if !ok {
		return domain.Customer{}, false, nil
	}
	return r.withEmail(c), true, nil
}

func (r memCustomers) Ensure(_ context.Context, in store.CustomerInsert) (domain.Customer, bool, error) {
	if c, ok := r.find(in.AccountID, in.ExternalUserID); ok {
		return c, false, nil
	}
	r.d.nextCustomer++
	status := in.Status
	if status == "" {
		status = domain.StatusRead
	}
	c := domain.Customer{
		ID: r.d.nextCustomer, AccountID: in.AccountID, ExternalUserID: in.ExternalUserID,
		DisplayName: in.DisplayName, PictureURL: in.PictureURL, Status: status,
		CreatedAt: in.Now, UpdatedAt: in.Now,
	}
	r.d.customers[c.ID] = c
	return c, true, nil
}

func (r memCustomers) Update(_ context.Context, c domain.Customer) error {
	if _, ok := r.d.customers[c.ID]; !ok {
		return errors.New("no such customer")
	}
	r.d.customers[c.ID] = c
	return nil
}

func (r memCustomers) Tags(_ context.Context, id int64) ([]string, error) {
	return slices.Clone(r.d.tags[id]), nil
}

type memMessages struct {
	d          *memData
	failInsert error
}

func (r memMessages) Insert(_ context.Context, m domain.Message) (bool, error) {
	if r.failInsert != nil {
		return false, r.failInsert
	}
	if m.ProviderMessageID != "" {
		for _, e := range r.d.messages {
			if e.AccountID == m.AccountID && e.ProviderMessageID == m.ProviderMessageID {
				return false, nil
			}
		}
	}
	r.d.messages = append(r.d.messages, m)
	return true, nil
}

func (r memMessages) Get(_ context.Context, id string) (domain.Message, bool, error) {
	for _, m := range r.d.messages {
		if m.ID == id {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (r memMessages) conversation(accountID int64, ext string) []domain.Message {
	var out []domain.Message
	for _, m := range r.d.messages {
		if m.AccountID == accountID && m.ExternalUserID == ext {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Message) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r memMessages) Latest(_ context.Context, accountID int64, ext string) (*domain.Message, error) {
	all := r.conversation(accountID, ext)
	if len(all) == 0 {
		return nil, nil
	}
	m := all[len(all)-1]
	return &m, nil
}

func (r memMessages) Page(_ context.Context, accountID int64, ext string, offset, limit int) ([]domain.Message, int, error) {
	all := r.conversation(accountID, ext)
	end := len(all) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return slices.Clone(all[start:end]), len(all), nil
}

func (r memMessages) All(_ context.Context, accountID int64, ext string) ([]domain.Message, error) {
	return r.conversation(accountID, ext), nil
}

func (r memMessages) HasProviderMessage(_ context.Context, accountID int64, providerMessageID string) (bool, error) {
	for _, m := range r.d.messages {
		if m.AccountID == accountID && m.ProviderMessageID == providerMessageID {
			return true, nil
		}
	}
	return false, nil
}

type memConversations struct{ d *memData }

func (r memConversations) rows(match func(domain.Customer) bool, groupIDs []int64) []store.ConversationRow {
	var out []store.ConversationRow
	msgs := memMessages{d: r.d}
	for _, c := range r.d.customers {
		if !match(c) {
			continue
		}
		if len(groupIDs) > 0 && !slices.ContainsFunc(r.d.accountGroups[c.AccountID], func(g int64) bool { return slices.Contains(groupIDs, g) }) {
			continue
		}
		latest, _ := msgs.Latest(context.Background(), c.AccountID, c.ExternalUserID)
		if latest == nil {
			continue
		}
		out = append(out, store.ConversationRow{Account: r.d.accounts[c.AccountID], Customer: memCustomers{d: r.d}.withEmail(c), Latest: latest})
	}
	slices.SortFunc(out, func(a, b store.ConversationRow) int {
		ac, bc := a.Customer.Status == domain.StatusClosed, b.Customer.Status == domain.StatusClosed
		if ac != bc {
			if ac {
				return 1
			}
			return -1
		}
		if c := b.Latest.SentAt.Compare(a.Latest.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Customer.ID, a.Customer.ID)
	})
	return out
}

func (r memConversations) List(_ context.Context, f store.ListFilter) ([]store.ConversationRow, int, error) {
	all := r.rows(func(c domain.Customer) bool { return f.Status == "" || c.Status == f.Status }, f.GroupIDs)
	start := min(f.Offset, len(all))
	end := min(start+f.Limit, len(all))
	return all[start:end], len(all), nil
}

func (r memConversations) Search(_ context.Context, term string, groupIDs []int64, limit int) ([]store.ConversationRow, error) {
	term = strings.ToLower(term)
	all := r.rows(func(c domain.Customer) bool {
		for _, f := range []string{c.Nickname, c.Phone, c.DisplayName, c.ExternalUserID} {
			if strings.Contains(strings.ToLower(f), term) {
				return true
			}
		}
		return false
	}, groupIDs)
	return all[:min(limit, len(all))], nil
}

func (r memConversations) UnreadCounts(_ context.Context, ids []int64) (map[int64]int, error) {
	out := map[int64]int{}
	for _, id := range ids {
		c := r.d.customers[id]
		for _, m := range r.d.messages {
			if m.AccountID != c.AccountID || m.ExternalUserID != c.ExternalUserID || m.IsOutgoing || m.Type == domain.MessageEvent {
				continue
			}
			received := m.ReceivedAt
			if received.IsZero() {
				received = m.SentAt
			}
			if c.LastReadAt == nil || received.After(*c.LastReadAt) {
				out[id]++
			}
		}
	}
	return out, nil
}

func (r memConversations) TagsFor(_ context.Context, ids []int64) (map[int64][]string, error) {
	out := map[int64][]string{}
	for _, id := range ids {
		if t := r.d.tags[id]; len(t) > 0 {
			out[id] = slices.Clone(t)
		}
	}
	return out, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	pushes     []line.PushRequest
	responses  []pushResponse
	profiles   map[string]line.Profile
	profileErr error
	content    map[string]line.Content
	contentErr error
	// onPush runs before each push is answered.
	onPush func()
}

type pushResponse struct {
	status int
	err    error
}

func (p *fakeProvider) Push(_ context.Context, _ string, req line.PushRequest) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, req)
	if p.onPush != nil {
		p.onPush()
	}
	if len(p.responses) == 0 {
		return 200, []byte(`{}`), nil
	}
	r := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return r.status, nil, r.err
}

func (p *fakeProvider) Profile(_ context.Context, _ string, uid string) (line.Profile, error) {
	if p.profileErr != nil {
		return line.Profile{}, p.profileErr
	}
	return p.profiles[uid], nil
}

func (p *fakeProvider) Content(_ context.Context, _ string, id string) (line.Content, error) {
	if p.contentErr != nil {
		return line.Content{}, p.contentErr
	}
	c, ok := p.content[id]
	if !ok {
		return line.Content{}, &line.CallError{Status: 404}
	}
	return c, nil
}

func (p *fakeProvider) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

type fakeUploader struct {
	uploads int
	last    []byte
	err     error
}

func (u *fakeUploader) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.uploads++
	u.last = data
	return "https://cdn.test/media/" + contentType, nil
}

type broadcastRecord struct {
	kind     string
	groupIDs []int64
	summary  domain.ConversationSummary
	message  domain.MessageView
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
}

func (b *fakeBroadcaster) ConversationUpdated(groupIDs []int64, s domain.ConversationSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, broadcastRecord{kind: "update", groupIDs: groupIDs, summary: s})
}

func (b *fakeBroadcaster) NewMessage(groupIDs []int64, m domain.MessageView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, broadcastRecord{kind: "message", groupIDs: groupIDs, message: m})
}

func (b *fakeBroadcaster) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r.kind)
	}
	return out
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) Publish(_ context.Context, _ events.Key, e events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Meta.Type)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

type fakeRooms struct {
	agentID  int64
	groupIDs []int64
	calls    int
}

func (r *fakeRooms) ReplaceAgent(agentID int64, groupIDs []int64) int {
	r.agentID, r.groupIDs = agentID, groupIDs
	r.calls++
	return 1
}

type fakeQueue struct {
	deliveries []sqsqueue.InboundDelivery
}

func (q *fakeQueue) EnqueueInbound(_ context.Context, d sqsqueue.InboundDelivery) error {
	q.deliveries = append(q.deliveries, d)
	return nil
}

// fixture wires a ChatService over the in-memory fakes with one account in group 10 and one agent.
type fixture struct {
	svc      *ChatService
	store    *memStore
	provider *fakeProvider
	media    *fakeUploader
	bcast    *fakeBroadcaster
	events   *recordingEvents
	filters  *realtime.MemoryFilterStore
	account  domain.Account
	agent    domain.Agent
	clock    time.Time
}

const secret = "channel-secret"

func newFixture() *fixture {
	st := newMemStore()
	acc := domain.Account{ID: 1, Name: "Acme OA", ChannelSecret: secret, AccessToken: "tok", WebhookPath: "acme"}
	agent := domain.Agent{ID: 5, Email: "alice@acme.test"}
	st.data.accounts[acc.ID] = acc
	st.data.accountGroups[acc.ID] = []int64{10}
	st.data.agents[agent.ID] = agent
	st.data.groups = []domain.Group{{ID: 10, Name: "Sales"}}

	f := &fixture{
		store:    st,
		provider: &fakeProvider{profiles: map[string]line.Profile{}, content: map[string]line.Content{}},
		media:    &fakeUploader{},
		bcast:    &fakeBroadcaster{},
		events:   &recordingEvents{},
		filters:  realtime.NewMemoryFilterStore(),
		account:  acc,
		agent:    agent,
		clock:    time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	seq := 0
	f.svc = &ChatService{
		Store:     st,
		Provider:  f.provider,
		Media:     f.media,
		Broadcast: f.bcast,
		Events:    f.events,
		Filters:   f.filters,
		Log:       quiet,
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("msg_%06d", seq)
		},
		Backoff: func(int) time.Duration { return 0 },
	}
	return f
}

func (f *fixture) customer(ext string) (domain.Customer, bool) {
	c, ok, _ := f.store.Customers().Get(context.Background(), f.account.ID, ext)
	return c, ok
}

func (f *fixture) messages(ext string) []domain.Message {
	return memMessages{d: f.store.snapshot()}.conversation(f.account.ID, ext)
}
