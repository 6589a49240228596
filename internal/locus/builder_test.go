package locus

import "testing"

func TestParseColumnSpecPlainSNP(t *testing.T) {
	spec, ok, err := ParseColumnSpec("chr:pos")
	if err != nil || !ok {
		t.Fatalf("ParseColumnSpec: ok=%v err=%v", ok, err)
	}
	if len(spec.Columns) != 2 {
		t.Fatalf("Columns = %v", spec.Columns)
	}
	l, err := spec.Build([]string{"chr1", "1000"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(SNP); !ok {
		t.Errorf("expected SNP, got %T", l)
	}
}

func TestParseColumnSpecPlainRegion(t *testing.T) {
	spec, ok, err := ParseColumnSpec("chromosome:start-stop")
	if err != nil || !ok {
		t.Fatalf("ParseColumnSpec: ok=%v err=%v", ok, err)
	}
	l, err := spec.Build([]string{"chr2", "1000", "2000"})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := l.(Region)
	if !ok {
		t.Fatalf("expected Region, got %T", l)
	}
	if r.Start != 1000 || r.Stop != 2000 {
		t.Errorf("Region = %+v", r)
	}
}

func TestParseColumnSpecNotLocus(t *testing.T) {
	_, ok, err := ParseColumnSpec("phenotype")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for a plain key column")
	}
}

func TestParseColumnSpecTemplateSNP(t *testing.T) {
	spec, ok, err := ParseColumnSpec("varId=$chr:$pos*")
	if err != nil || !ok {
		t.Fatalf("ParseColumnSpec: ok=%v err=%v", ok, err)
	}
	if !spec.Template || len(spec.Columns) != 1 || spec.Columns[0] != "varId" {
		t.Fatalf("spec = %+v", spec)
	}
	l, err := spec.Build([]string{"chr1:12345:A:G"})
	if err != nil {
		t.Fatal(err)
	}
	s, ok := l.(SNP)
	if !ok {
		t.Fatalf("expected SNP, got %T", l)
	}
	if s.Position != 12345 {
		t.Errorf("Position = %d, want 12345", s.Position)
	}
}

func TestParseColumnSpecTemplateRegion(t *testing.T) {
	spec, ok, err := ParseColumnSpec("region=region_$chr/$start/$stop")
	if err != nil || !ok {
		t.Fatalf("ParseColumnSpec: ok=%v err=%v", ok, err)
	}
	l, err := spec.Build([]string{"region_chr2/1000/2000"})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := l.(Region)
	if !ok {
		t.Fatalf("expected Region, got %T", l)
	}
	if r.Start != 1000 || r.Stop != 2000 {
		t.Errorf("Region = %+v", r)
	}
}
