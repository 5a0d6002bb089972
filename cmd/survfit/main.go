/*
Run survival analyses over a directory of binary column data.

The analyses, variable roles, and output locations come from a YAML
configuration file.  Results are written as CSV and text files, one per
analysis, into the configured output directory.
*/

package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/kshedden/dstream/dstream"
	"github.com/kshedden/dstream/formula"
	"gonum.org/v1/gonum/optimize"

	"github.com/brookluers/survival"
)

// Config drives one survfit run.
type Config struct {
	// Directory of binary column data and the read chunk size
	Data      string `koanf:"data"`
	ChunkSize int    `koanf:"chunksize"`

	// Variable roles
	Time    string   `koanf:"time"`
	Status  string   `koanf:"status"`
	Causes  []string `koanf:"causes"`
	Stratum string   `koanf:"stratum"`
	Weight  string   `koanf:"weight"`

	// Optional model formula; when empty, every remaining column is a
	// covariate
	Formula string `koanf:"formula"`

	// Analyses to run: survfunc, censdist, cuminc, graytest, phreg,
	// phtest, concordance
	Analyses []string `koanf:"analyses"`

	ConfLevel float64   `koanf:"conf_level"`
	L2Weights []float64 `koanf:"l2_weights"`
	Transform string    `koanf:"transform"`
	Trunc     float64   `koanf:"trunc"`
	Out       string    `koanf:"out"`
}

var (
	conf   Config
	logger *log.Logger
)

func setuplog() {
	fid, err := os.Create("survfit.log")
	if err != nil {
		panic(err)
	}
	logger = log.New(fid, "", log.Ltime)
}

func getconf(fname string) {

	conf = Config{
		ChunkSize: 100000,
		ConfLevel: 0.95,
		Transform: "rank",
		Trunc:     math.MaxFloat64,
		Out:       ".",
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(fname), yaml.Parser()); err != nil {
		panic(err)
	}
	if err := k.UnmarshalWithConf("", &conf, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		panic(err)
	}

	if conf.Data == "" || conf.Time == "" || conf.Status == "" || len(conf.Causes) == 0 {
		os.Stderr.WriteString("survfit: config must set data, time, status, and causes\n")
		os.Exit(1)
	}
}

// loaddata reads the binary columns and applies the model formula if one is
// configured.
func loaddata() dstream.Dstream {

	data := dstream.NewBCols(conf.Data, conf.ChunkSize).Done()

	if conf.Formula == "" {
		return dstream.MemCopy(data, true)
	}

	keep := []string{conf.Time, conf.Status}
	if conf.Weight != "" {
		keep = append(keep, conf.Weight)
	}
	if conf.Stratum != "" {
		keep = append(keep, conf.Stratum)
	}

	dx := formula.New(conf.Formula, data).Keep(keep...).Done()
	return dstream.MemCopy(dx, true)
}

// xnames returns the covariate columns: everything except the role
// variables.
func xnames(da dstream.Dstream) []string {

	roles := map[string]bool{conf.Time: true, conf.Status: true}
	if conf.Weight != "" {
		roles[conf.Weight] = true
	}
	if conf.Stratum != "" {
		roles[conf.Stratum] = true
	}

	var names []string
	for _, na := range da.Names() {
		if !roles[na] {
			names = append(names, na)
		}
	}
	return names
}

func getcol(da dstream.Dstream, name string) []float64 {
	da.Reset()
	return dstream.GetCol(da, name).([]float64)
}

func writeCurve(cv *survival.SurvivalCurve, fname string) {

	fid, err := os.Create(path.Join(conf.Out, fname))
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	fid.WriteString("time,surv,var,lower,upper,nrisk,nevent\n")
	for i := range cv.Time {
		fid.WriteString(fmt.Sprintf("%f,%f,%f,%f,%f,%.0f,%.0f\n",
			cv.Time[i], cv.SurvProb[i], cv.Variance[i], cv.Lower[i], cv.Upper[i],
			cv.NumRisk[i], cv.NumEvents[i]))
	}
}

func dosurvfunc(et *survival.EventTable) {

	for _, cause := range conf.Causes {
		curves, err := survival.NewSurvfuncRight(et, cause).ConfLevel(conf.ConfLevel).Done().Fit()
		if err != nil {
			logger.Printf("survfunc %s: %v", cause, err)
			continue
		}
		for _, cv := range curves {
			name := fmt.Sprintf("survfunc_%s.csv", cause)
			if cv.Stratum != "" {
				name = fmt.Sprintf("survfunc_%s_%s.csv", cause, cv.Stratum)
			}
			if cv.Degenerate {
				logger.Printf("survfunc %s stratum %q is degenerate", cause, cv.Stratum)
				continue
			}
			writeCurve(cv, name)
		}
	}
}

// docensdist estimates the censoring distribution by reversing the status,
// to check how much follow-up the cohort actually has.
func docensdist(da dstream.Dstream) {

	time := getcol(da, conf.Time)
	status := getcol(da, conf.Status)

	rev := make([]float64, len(status))
	for i := range status {
		if status[i] == 0 {
			rev[i] = 1
		}
	}

	ct, err := survival.NewEventTable(time, survival.CausesFromStatus(rev, "censoring"), []string{"censoring"}).Done()
	if err != nil {
		panic(err)
	}
	curves, err := survival.NewSurvfuncRight(ct, "censoring").Done().Fit()
	if err != nil {
		logger.Printf("censdist: %v", err)
		return
	}

	fid, err := os.Create(path.Join(conf.Out, "censdist.csv"))
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	cv := curves[0]
	for i := range cv.Time {
		fid.Write([]byte(fmt.Sprintf("%f,%f\n", cv.Time[i], cv.SurvProb[i])))
	}
}

func documinc(et *survival.EventTable) {

	res, err := survival.NewCumincRight(et).ConfLevel(conf.ConfLevel).Done().Fit()
	if err != nil {
		logger.Printf("cuminc: %v", err)
		return
	}

	for _, st := range res.Strata() {
		for _, cause := range res.Causes() {
			cv, err := res.Curve(st, cause)
			if err != nil {
				logger.Printf("cuminc %s/%s: %v", st, cause, err)
				continue
			}
			if cv.Degenerate {
				logger.Printf("cuminc: no %s events in stratum %q", cause, st)
				continue
			}
			name := fmt.Sprintf("cuminc_%s.csv", cause)
			if st != "" {
				name = fmt.Sprintf("cuminc_%s_%s.csv", cause, st)
			}
			fid, err := os.Create(path.Join(conf.Out, name))
			if err != nil {
				panic(err)
			}
			fid.WriteString("time,cuminc,var\n")
			for i := range cv.Time {
				fid.WriteString(fmt.Sprintf("%f,%f,%f\n", cv.Time[i], cv.Prob[i], cv.Variance[i]))
			}
			fid.Close()
		}
	}
}

func dograytest(et *survival.EventTable) {

	fid, err := os.Create(path.Join(conf.Out, "graytest.txt"))
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	for _, cause := range conf.Causes {
		r, err := survival.GrayTest(et, cause)
		if err != nil {
			logger.Printf("graytest %s: %v", cause, err)
			continue
		}
		fid.WriteString(fmt.Sprintf("Cause %s: chisq=%.4f df=%d p=%.4f\n", cause, r.Stat, r.DF, r.PValue))
		for g, st := range r.Strata {
			fid.WriteString(fmt.Sprintf("  %-12s observed=%.0f expected=%.2f\n", st, r.Observed[g], r.Expected[g]))
		}
	}
}

// collapse folds every competing cause into a single event label, the form
// the regression model requires.
func collapse(da dstream.Dstream) *survival.EventTable {

	time := getcol(da, conf.Time)
	status := getcol(da, conf.Status)

	var strat string
	if conf.Stratum != "" {
		strat = conf.Stratum
	}

	tb := survival.NewEventTable(time, survival.CausesFromStatus(status, "event"), []string{"event"})
	for _, na := range xnames(da) {
		tb = tb.Covariate(na, getcol(da, na))
	}
	if strat != "" {
		labels := make([]string, len(time))
		for i, v := range getcol(da, strat) {
			labels[i] = fmt.Sprintf("%g", v)
		}
		tb = tb.Strata(labels)
	}

	et, err := tb.Done()
	if err != nil {
		panic(err)
	}
	return et
}

func dophreg(da dstream.Dstream, et1 *survival.EventTable) *survival.PHResults {

	names := xnames(da)

	var wgt []float64
	if conf.Weight != "" {
		wgt = getcol(da, conf.Weight)
	}

	model := survival.NewPHReg(et1, names)
	if wgt != nil {
		model = model.Weight(wgt)
	}
	result, err := model.Done().Fit()
	if err != nil {
		logger.Printf("phreg: %v", err)
		if result == nil {
			return nil
		}
	}

	fid, err := os.Create(path.Join(conf.Out, "coeff.txt"))
	if err != nil {
		panic(err)
	}
	defer fid.Close()
	fid.WriteString(result.Summary())

	if len(conf.L2Weights) > 0 {
		doridge(et1, names, wgt, fid)
	}

	return result
}

// doridge sweeps the configured L2 penalty weights, fitting in parallel and
// reporting the concordance of each fit.
func doridge(et1 *survival.EventTable, names []string, wgt []float64, fid *os.File) {

	opt := &optimize.Settings{GradientThreshold: 1e-3}

	type rec struct {
		l2w    float64
		result *survival.PHResults
		c      float64
	}
	rc := make(chan *rec, len(conf.L2Weights))

	time := et1.Time()
	status := make([]float64, et1.NumObs())
	for i, c := range et1.CauseLabels() {
		if c != survival.Censored {
			status[i] = 1
		}
	}

	for _, w := range conf.L2Weights {
		go func(w float64) {
			l2wgt := make([]float64, len(names))
			for k := range l2wgt {
				l2wgt[k] = w
			}
			model := survival.NewPHReg(et1, names).L2Weight(l2wgt).Norm().OptSettings(opt)
			if wgt != nil {
				model = model.Weight(wgt)
			}
			result, err := model.Done().Fit()
			if err != nil {
				logger.Printf("ridge l2=%f: %v", w, err)
				rc <- nil
				return
			}
			cc, err := survival.NewConcordance(time, status, result.FittedValues()).Done()
			if err != nil {
				logger.Printf("ridge l2=%f: %v", w, err)
				rc <- nil
				return
			}
			rc <- &rec{l2w: w, result: result, c: cc.Concordance(conf.Trunc)}
		}(w)
	}

	for range conf.L2Weights {
		r := <-rc
		if r == nil {
			continue
		}
		fid.WriteString(fmt.Sprintf("\nL2=%f  concordance=%f\n", r.l2w, r.c))
		fid.WriteString(r.result.Summary())
	}
}

func dophtest(result *survival.PHResults) {

	var tt survival.TimeTransform
	switch conf.Transform {
	case "rank":
		tt = survival.RankTime
	case "log":
		tt = survival.LogTime
	case "identity":
		tt = survival.IdentityTime
	default:
		logger.Printf("phtest: unknown transform %q", conf.Transform)
		return
	}

	r, err := survival.TestPH(result, tt)
	if err != nil {
		logger.Printf("phtest: %v", err)
		return
	}

	fid, err := os.Create(path.Join(conf.Out, "phtest.txt"))
	if err != nil {
		panic(err)
	}
	defer fid.Close()

	fid.WriteString(fmt.Sprintf("Proportional hazards test (%s transform)\n\n", r.Transform))
	for j, na := range r.Names {
		fid.WriteString(fmt.Sprintf("%-20s chisq=%8.4f  p=%.4f\n", na, r.Chisq[j], r.PValues[j]))
	}
	fid.WriteString(fmt.Sprintf("%-20s chisq=%8.4f  df=%d  p=%.4f\n", "GLOBAL", r.GlobalChisq, r.GlobalDF, r.GlobalPValue))
}

func doconcordance(da dstream.Dstream, result *survival.PHResults) {

	time := getcol(da, conf.Time)
	status := getcol(da, conf.Status)
	for i := range status {
		if status[i] != 0 {
			status[i] = 1
		}
	}

	cc, err := survival.NewConcordance(time, status, result.FittedValues()).Done()
	if err != nil {
		logger.Printf("concordance: %v", err)
		return
	}
	c := cc.Concordance(conf.Trunc)
	logger.Printf("concordance=%f", c)

	fid, err := os.Create(path.Join(conf.Out, "concordance.txt"))
	if err != nil {
		panic(err)
	}
	defer fid.Close()
	fid.WriteString(fmt.Sprintf("concordance=%f trunc=%f\n", c, conf.Trunc))
}

func main() {

	cf := flag.String("config", "survfit.yml", "analysis configuration file")
	flag.Parse()

	setuplog()
	getconf(*cf)

	if err := os.MkdirAll(conf.Out, 0o755); err != nil {
		panic(err)
	}

	da := loaddata()
	logger.Printf("loaded %d observations from %s", da.NumObs(), conf.Data)

	// The full multi-cause table for the non-parametric analyses.
	var strat string
	if conf.Stratum != "" {
		strat = conf.Stratum
	}
	et, err := survival.FromDstream(da, conf.Time, conf.Status, conf.Causes, xnames(da), strat)
	if err != nil {
		panic(err)
	}

	want := make(map[string]bool)
	for _, a := range conf.Analyses {
		want[strings.ToLower(a)] = true
	}

	if want["survfunc"] {
		dosurvfunc(et)
	}
	if want["censdist"] {
		docensdist(da)
	}
	if want["cuminc"] {
		documinc(et)
	}
	if want["graytest"] {
		dograytest(et)
	}

	var result *survival.PHResults
	if want["phreg"] || want["phtest"] || want["concordance"] {
		et1 := collapse(da)
		result = dophreg(da, et1)
	}
	if result != nil && want["phtest"] {
		dophtest(result)
	}
	if result != nil && want["concordance"] {
		doconcordance(da, result)
	}

	logger.Printf("done")
}
