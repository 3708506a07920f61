package grading

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/sheet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func exampleConfig() model.ExamConfiguration {
	return model.ExamConfiguration{Sections: []model.SectionSpec{
		{ID: "1", MatchKeyword: "Part1", DisplayName: "Choice", PointsPerQuestion: 2, QuestionCount: 2, Type: model.SectionObjective},
		{ID: "2", MatchKeyword: "Part2", DisplayName: "Essay", PointsPerQuestion: 6, QuestionCount: 1, Type: model.SectionSubjective},
	}}
}

func exampleKey() model.StandardKey {
	return model.StandardKey{"1-1": "A", "1-2": "B", "2-1": "model answer"}
}

func sheetFor(number, name, a1, a2, essay string) []byte {
	return []byte(fmt.Sprintf("学号：%s 姓名：%s 机号：M%s\nPart1\n1. %s\n2. %s\nPart2\n1. %s\n",
		number, name, number, a1, a2, essay))
}

// judgeFunc adapts a function to the Judge interface.
type judgeFunc func(ctx context.Context, req model.JudgeRequest) model.QuestionResult

func (f judgeFunc) Grade(ctx context.Context, req model.JudgeRequest) model.QuestionResult {
	return f(ctx, req)
}

func fixedJudge(score float64, comment string) Judge {
	return judgeFunc(func(context.Context, model.JudgeRequest) model.QuestionResult {
		return model.QuestionResult{Score: score, Comment: comment, Status: model.StatusGraded}
	})
}

func TestScoreObjective(t *testing.T) {
	tests := []struct {
		name     string
		student  string
		standard string
		want     float64
	}{
		{"exact", "A", "A", 2},
		{"lower case", "a", "A", 2},
		{"padded", " A ", "A", 2},
		{"mismatch", "C", "A", 0},
		{"unanswered", "", "A", 0},
		{"empty standard", "", "", 0},
		{"cjk token", "对", "对", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ScoreObjective(tt.student, tt.standard, 2))
		})
	}
}

func TestExampleScenario(t *testing.T) {
	cfg := exampleConfig()
	answers := model.StudentAnswers{"1-1": "A", "1-2": "C", "2-1": "partial attempt"}
	id := model.StudentIdentity{StudentNumber: "2023001", Name: "张三"}

	before := Aggregate(id, answers, exampleKey(), cfg, nil)
	require.Equal(t, 2.0, before.PerQuestion["1-1"].Score)
	require.Equal(t, 0.0, before.PerQuestion["1-2"].Score)
	require.Equal(t, model.StatusPending, before.PerQuestion["2-1"].Status)
	require.Equal(t, model.PendingComment, before.PerQuestion["2-1"].Comment)
	require.Equal(t, map[string]float64{"1": 2, "2": 0}, before.PerSectionTotal)
	require.Equal(t, 2.0, before.Total)
	require.Equal(t, []model.QuestionKey{"2-1"}, before.Pending())

	resolved := map[model.QuestionKey]model.QuestionResult{
		"2-1": {Score: 4, Comment: "ok", Status: model.StatusGraded},
	}
	after := Aggregate(id, answers, exampleKey(), cfg, resolved)
	require.Equal(t, 6.0, after.Total)
	require.Equal(t, 4.0, after.PerSectionTotal["2"])
	require.Empty(t, after.Pending())

	// The first record is untouched.
	require.Equal(t, 2.0, before.Total)
}

func TestAggregateSkippedQuestionGetsZero(t *testing.T) {
	rec := Aggregate(model.StudentIdentity{}, model.StudentAnswers{}, exampleKey(), exampleConfig(), nil)
	require.Len(t, rec.PerQuestion, 3)
	require.Equal(t, model.QuestionResult{Score: 0, Status: model.StatusGraded}, rec.PerQuestion["1-1"])
	require.Equal(t, 0.0, rec.Total)
}

func TestAggregateClampsResolvedScores(t *testing.T) {
	resolved := map[model.QuestionKey]model.QuestionResult{
		"2-1": {Score: 60, Status: model.StatusGraded},
	}
	rec := Aggregate(model.StudentIdentity{}, model.StudentAnswers{}, exampleKey(), exampleConfig(), resolved)
	require.Equal(t, 6.0, rec.PerQuestion["2-1"].Score)
}

func TestTotalsAreSums(t *testing.T) {
	resolved := map[model.QuestionKey]model.QuestionResult{
		"2-1": {Score: 3.5, Status: model.StatusGraded},
	}
	rec := Aggregate(model.StudentIdentity{}, model.StudentAnswers{"1-1": "A", "1-2": "B"}, exampleKey(), exampleConfig(), resolved)

	var total float64
	sections := map[string]float64{}
	for k, r := range rec.PerQuestion {
		id, _, ok := k.Split()
		require.True(t, ok)
		sections[id] += r.Score
		total += r.Score
	}
	require.Equal(t, total, rec.Total)
	require.Equal(t, sections, rec.PerSectionTotal)
}

func TestRoundTripFullScore(t *testing.T) {
	cfg := model.ExamConfiguration{Sections: []model.SectionSpec{
		{ID: "a", MatchKeyword: "一、选择题", PointsPerQuestion: 2, QuestionCount: 3, Type: model.SectionObjective},
		{ID: "b", MatchKeyword: "二、判断题", PointsPerQuestion: 1, QuestionCount: 2, Type: model.SectionObjective},
	}}
	standardDoc := []byte("一、选择题\n1.A 2.b 3.C\n二、判断题\n1.对\n2.错\n")
	key, err := ParseStandard(cfg, sheet.Options{}, standardDoc)
	require.NoError(t, err)

	doc := append([]byte("学号:1 姓名:李四 机号:7\n"), standardDoc...)
	g, err := New(cfg, key, nil, Options{})
	require.NoError(t, err)

	res := g.Run(context.Background(), []Document{{Name: "full.txt", Data: doc}})
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 1)
	require.Equal(t, cfg.MaxScore(), res.Records[0].Total)
}

func TestRunExampleWithJudge(t *testing.T) {
	g, err := New(exampleConfig(), exampleKey(), fixedJudge(4, "ok"), Options{Workers: 2})
	require.NoError(t, err)

	res := g.Run(context.Background(), []Document{
		{Name: "zhang.txt", Data: sheetFor("2023001", "张三", "A", "C", "partial attempt")},
	})
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	require.Equal(t, "zhang.txt", rec.SourceName)
	require.Equal(t, "2023001", rec.Identity.StudentNumber)
	require.Equal(t, 6.0, rec.Total)
	require.Equal(t, map[string]float64{"1": 2, "2": 4}, rec.PerSectionTotal)
	require.Equal(t, "ok", rec.PerQuestion["2-1"].Comment)
}

func TestRunWithoutJudgeLeavesSubjectivePending(t *testing.T) {
	g, err := New(exampleConfig(), exampleKey(), nil, Options{})
	require.NoError(t, err)

	res := g.Run(context.Background(), []Document{
		{Name: "zhang.txt", Data: sheetFor("2023001", "张三", "A", "C", "partial attempt")},
	})
	require.Len(t, res.Records, 1)
	require.Equal(t, 2.0, res.Records[0].Total)
	require.Equal(t, []model.QuestionKey{"2-1"}, res.Records[0].Pending())
}

func TestRunReportsParseErrors(t *testing.T) {
	g, err := New(exampleConfig(), exampleKey(), fixedJudge(1, ""), Options{})
	require.NoError(t, err)

	res := g.Run(context.Background(), []Document{
		{Name: "good.txt", Data: sheetFor("1", "甲", "A", "B", "x")},
		{Name: "noheader.txt", Data: []byte("Part1\n1. A\n")},
	})
	require.Len(t, res.Records, 1)
	require.Equal(t, []model.ParseError{{
		SourceName: "noheader.txt",
		Reason:     (&sheet.MissingHeaderError{Window: sheet.DefaultHeaderWindow}).Error(),
	}}, res.Errors)
}

func TestRunPassesJudgeRequest(t *testing.T) {
	cfg := exampleConfig()
	cfg.Sections[1].GradingCriteria = "mention goroutines"
	cfg.Sections[1].QuestionText = map[int]string{1: "Explain concurrency"}
	examples := []model.FewShotExample{{Answer: "threads", Score: 3, Comment: "vague"}}

	var got model.JudgeRequest
	judge := judgeFunc(func(_ context.Context, req model.JudgeRequest) model.QuestionResult {
		got = req
		return model.QuestionResult{Status: model.StatusGraded}
	})
	g, err := New(cfg, exampleKey(), judge, Options{
		Workers: 1,
		FewShot: map[model.QuestionKey][]model.FewShotExample{"2-1": examples},
	})
	require.NoError(t, err)

	g.Run(context.Background(), []Document{{Name: "a", Data: sheetFor("1", "甲", "A", "B", "my essay")}})
	require.Equal(t, model.JudgeRequest{
		Key:             "2-1",
		QuestionText:    "Explain concurrency",
		ReferenceAnswer: "model answer",
		Criteria:        "mention goroutines",
		MaxScore:        6,
		Answer:          "my essay",
		Examples:        examples,
	}, got)
}

type matcherFunc func(string, string) (model.StudentIdentity, bool)

func (f matcherFunc) Match(id, name string) (model.StudentIdentity, bool) { return f(id, name) }

func TestRunUsesStudentMatcher(t *testing.T) {
	matcher := matcherFunc(func(id, name string) (model.StudentIdentity, bool) {
		if id == "2023OO1" {
			return model.StudentIdentity{StudentNumber: "2023001", Name: "张三"}, true
		}
		return model.StudentIdentity{}, false
	})
	g, err := New(exampleConfig(), exampleKey(), nil, Options{Matcher: matcher})
	require.NoError(t, err)

	res := g.Run(context.Background(), []Document{
		{Name: "ocr.txt", Data: sheetFor("2023OO1", "张二", "A", "B", "")},
		{Name: "other.txt", Data: sheetFor("2023002", "王五", "A", "B", "")},
	})
	require.Len(t, res.Records, 2)
	require.Equal(t, model.StudentIdentity{StudentNumber: "2023001", Name: "张三", MachineID: "M2023OO1"}, res.Records[0].Identity)
	require.Equal(t, "2023002", res.Records[1].Identity.StudentNumber)
}

func manyStudents(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		num := fmt.Sprintf("%04d", i)
		docs[i] = Document{Name: num + ".txt", Data: sheetFor(num, "S"+num, "A", "B", "answer "+num)}
	}
	return docs
}

func TestHangingCallFailsInIsolation(t *testing.T) {
	const n = 8
	docs := manyStudents(n)

	judge := judgeFunc(func(ctx context.Context, req model.JudgeRequest) model.QuestionResult {
		if req.Answer == "answer 0003" {
			<-ctx.Done()
			return model.QuestionResult{Comment: ctx.Err().Error(), Status: model.StatusFailed}
		}
		return model.QuestionResult{Score: 5, Status: model.StatusGraded}
	})
	g, err := New(exampleConfig(), exampleKey(), judge, Options{Workers: 4, CallTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	res := g.Run(context.Background(), docs)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, res.Records, n)
	for _, rec := range res.Records {
		r := rec.PerQuestion["2-1"]
		if rec.Identity.StudentNumber == "0003" {
			require.Equal(t, model.StatusFailed, r.Status)
			require.Equal(t, 0.0, r.Score)
			require.Equal(t, 4.0, rec.Total)
			continue
		}
		require.Equal(t, model.StatusGraded, r.Status)
		require.Equal(t, 9.0, rec.Total)
	}
}

func TestWorkerLimitIsRespected(t *testing.T) {
	const workers = 3
	var inFlight, peak, calls atomic.Int32

	judge := judgeFunc(func(context.Context, model.JudgeRequest) model.QuestionResult {
		calls.Add(1)
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return model.QuestionResult{Score: 1, Status: model.StatusGraded}
	})
	g, err := New(exampleConfig(), exampleKey(), judge, Options{Workers: workers})
	require.NoError(t, err)

	res := g.Run(context.Background(), manyStudents(12))
	require.Len(t, res.Records, 12)
	require.Equal(t, int32(12), calls.Load())
	require.LessOrEqual(t, peak.Load(), int32(workers))
	require.Positive(t, peak.Load())
}

func TestScheduleIsRoundRobin(t *testing.T) {
	cfg := model.ExamConfiguration{Sections: []model.SectionSpec{
		{ID: "e", MatchKeyword: "Essay", PointsPerQuestion: 5, QuestionCount: 3, Type: model.SectionSubjective},
	}}
	key := model.StandardKey{"e-1": "x", "e-2": "y", "e-3": "z"}
	g, err := New(cfg, key, fixedJudge(1, ""), Options{})
	require.NoError(t, err)

	sheets := []*parsed{
		{jobs: []model.QuestionKey{"e-1", "e-2", "e-3"}},
		{err: fmt.Errorf("rejected")},
		{jobs: []model.QuestionKey{"e-1"}},
	}
	require.Equal(t, []job{
		{student: 0, slot: 0},
		{student: 2, slot: 0},
		{student: 0, slot: 1},
		{student: 0, slot: 2},
	}, g.schedule(sheets))
}

func TestCancelBeforeRun(t *testing.T) {
	var calls atomic.Int32
	judge := judgeFunc(func(context.Context, model.JudgeRequest) model.QuestionResult {
		calls.Add(1)
		return model.QuestionResult{Status: model.StatusGraded}
	})
	g, err := New(exampleConfig(), exampleKey(), judge, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := g.Run(ctx, manyStudents(3))

	require.Zero(t, calls.Load())
	require.Empty(t, res.Records)
	require.Equal(t, []string{"0000.txt", "0001.txt", "0002.txt"}, res.Incomplete)
}

func TestCancelLetsInFlightCallsFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var graded []string
	judge := judgeFunc(func(callCtx context.Context, req model.JudgeRequest) model.QuestionResult {
		cancel()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		graded = append(graded, req.Answer)
		mu.Unlock()
		if callCtx.Err() != nil {
			return model.QuestionResult{Status: model.StatusFailed}
		}
		return model.QuestionResult{Score: 6, Status: model.StatusGraded}
	})
	g, err := New(exampleConfig(), exampleKey(), judge, Options{Workers: 1})
	require.NoError(t, err)

	res := g.Run(ctx, manyStudents(4))

	require.NotEmpty(t, res.Records)
	require.NotEmpty(t, res.Incomplete)
	require.Equal(t, 4, len(res.Records)+len(res.Incomplete))
	require.Len(t, graded, len(res.Records))

	first := res.Records[0]
	require.Equal(t, "0000", first.Identity.StudentNumber)
	require.Equal(t, model.StatusGraded, first.PerQuestion["2-1"].Status)
	for _, rec := range res.Records {
		require.Empty(t, rec.Pending())
	}
}

func TestRescore(t *testing.T) {
	cfg := exampleConfig()
	rec := Aggregate(model.StudentIdentity{StudentNumber: "1"}, model.StudentAnswers{"1-1": "A"}, exampleKey(), cfg, nil)

	out, err := Rescore(rec, cfg, "2-1", 5.5, "manual")
	require.NoError(t, err)
	require.Equal(t, model.QuestionResult{Score: 5.5, Comment: "manual", Status: model.StatusGraded}, out.PerQuestion["2-1"])
	require.Equal(t, 7.5, out.Total)
	require.Equal(t, 5.5, out.PerSectionTotal["2"])

	require.Equal(t, model.StatusPending, rec.PerQuestion["2-1"].Status, "original record must not change")
	require.Equal(t, 2.0, rec.Total)

	clamped, err := Rescore(rec, cfg, "2-1", 99, "")
	require.NoError(t, err)
	require.Equal(t, 6.0, clamped.PerQuestion["2-1"].Score)

	nan, err := Rescore(rec, cfg, "2-1", math.NaN(), "")
	require.NoError(t, err)
	require.Equal(t, 0.0, nan.PerQuestion["2-1"].Score)
	require.Equal(t, 2.0, nan.Total)

	_, err = Rescore(rec, cfg, "9-1", 1, "")
	require.Error(t, err)
}

func TestPendingWorklists(t *testing.T) {
	cfg := model.ExamConfiguration{Sections: []model.SectionSpec{
		{ID: "1", MatchKeyword: "P1", PointsPerQuestion: 2, QuestionCount: 1, Type: model.SectionObjective},
		{ID: "2", MatchKeyword: "P2", PointsPerQuestion: 5, QuestionCount: 2, Type: model.SectionSubjective},
		{ID: "12", MatchKeyword: "P12", PointsPerQuestion: 5, QuestionCount: 1, Type: model.SectionSubjective},
	}}
	key := model.StandardKey{"1-1": "A", "2-1": "x", "2-2": "y", "12-1": "z"}

	bob := Aggregate(model.StudentIdentity{StudentNumber: "002", Name: "Bob"}, nil, key, cfg,
		map[model.QuestionKey]model.QuestionResult{"2-1": {Score: 0, Comment: "graded zero", Status: model.StatusGraded}})
	alice := Aggregate(model.StudentIdentity{StudentNumber: "001", Name: "Alice"}, nil, key, cfg,
		map[model.QuestionKey]model.QuestionResult{"2-2": {Score: 0, Status: model.StatusFailed}})

	assignments := []model.Assignment{
		{ExamID: "final", SectionID: "2", Marker: "wang"},
		{ExamID: "final", SectionID: "12", Marker: "li"},
		{ExamID: "midterm", SectionID: "2", Marker: "wang"},
	}
	lists := PendingWorklists("final", []model.ScoreRecord{bob, alice}, assignments)
	require.Len(t, lists, 2)

	require.Equal(t, model.Worklist{
		ExamID: "final", SectionID: "2", Marker: "wang", PendingCount: 2,
		Records: []model.PendingItem{
			{StudentID: "001", StudentName: "Alice", QuestionKey: "2-1"},
			{StudentID: "002", StudentName: "Bob", QuestionKey: "2-2"},
		},
	}, lists[0])

	require.Equal(t, 2, lists[1].PendingCount)
	for _, item := range lists[1].Records {
		require.Equal(t, model.QuestionKey("12-1"), item.QuestionKey)
	}

	require.Len(t, ForMarker(lists, "li"), 1)
	require.Empty(t, ForMarker(lists, "nobody"))
}

func TestPendingWorklistsSkipsFinishedSections(t *testing.T) {
	rec := Aggregate(model.StudentIdentity{StudentNumber: "1"}, nil, exampleKey(), exampleConfig(),
		map[model.QuestionKey]model.QuestionResult{"2-1": {Score: 3, Status: model.StatusGraded}})
	lists := PendingWorklists("e", []model.ScoreRecord{rec}, []model.Assignment{{ExamID: "e", SectionID: "2", Marker: "m"}})
	require.Empty(t, lists)
}

func TestAggregateNaNResultIsZero(t *testing.T) {
	rec := Aggregate(model.StudentIdentity{StudentNumber: "1"}, model.StudentAnswers{"1-1": "A"}, exampleKey(), exampleConfig(),
		map[model.QuestionKey]model.QuestionResult{"2-1": {Score: math.NaN(), Status: model.StatusGraded}})
	require.Equal(t, 0.0, rec.PerQuestion["2-1"].Score)
	require.Equal(t, 2.0, rec.Total)
	require.False(t, math.IsNaN(rec.PerSectionTotal["2"]))
}

func TestQuestionCountMismatches(t *testing.T) {
	cfg := model.ExamConfiguration{Sections: []model.SectionSpec{
		{ID: "1", MatchKeyword: "P1", PointsPerQuestion: 2, QuestionCount: 2, Type: model.SectionObjective},
		{ID: "2", MatchKeyword: "P2", PointsPerQuestion: 6, QuestionCount: 1, Type: model.SectionSubjective},
		{ID: "3", MatchKeyword: "P3", PointsPerQuestion: 1, QuestionCount: 4, Type: model.SectionObjective},
	}}
	key := model.StandardKey{"1-1": "A", "1-2": "B", "1-3": "C", "2-1": "x"}

	require.Equal(t, []countMismatch{{SectionID: "1", Configured: 2, Found: 3}}, questionCountMismatches(cfg, key))
	require.Empty(t, questionCountMismatches(exampleConfig(), exampleKey()))
}
