package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

var (
	apiURL    string
	debugMode bool
)

type offer struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAMMB    int     `json:"gpu_ram"`
	PricePerHr  float64 `json:"dph_total"`
	Rentable    bool    `json:"rentable"`
	Verified    bool    `json:"verified"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
}

type instance struct {
	ID           int64   `json:"id"`
	ActualStatus string  `json:"actual_status"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	PricePerHr   float64 `json:"dph_total"`
	Label        string  `json:"label"`
}

type trainingJob struct {
	ID          string `json:"id"`
	InstanceID  int64  `json:"instance_id"`
	DatasetName string `json:"dataset_name"`
	LoraName    string `json:"lora_name"`
	BaseModel   string `json:"base_model"`
	Steps       int    `json:"steps"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step"`
	Error       string `json:"error"`
	OutputPath  string `json:"output_path"`
	CreatedAt   string `json:"created_at"`
}

type datasetInfo struct {
	Name       string `json:"name"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

type datasetFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	UpdatedAt string `json:"updated_at"`
}

type loraArtifact struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	UpdatedAt string `json:"updated_at"`
}

func main() {
	flag.StringVar(&apiURL, "api", "http://localhost:8080", "API URL")
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	if env := os.Getenv("LORAD_API"); env != "" && apiURL == "http://localhost:8080" {
		apiURL = env
	}

	if debugMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Debug mode enabled")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "offers":
		gpuName := ""
		if len(args) > 1 {
			gpuName = args[1]
		}
		listOffers(gpuName)

	case "instances":
		listInstances()

	case "launch":
		gpuName := ""
		maxPrice := 0.0
		if len(args) > 1 {
			gpuName = args[1]
		}
		if len(args) > 2 {
			fmt.Sscanf(args[2], "%f", &maxPrice)
		}
		launchInstance(gpuName, maxPrice)

	case "destroy":
		if len(args) < 2 {
			log.Fatal("Usage: loractl destroy <instance-id>")
		}
		destroyInstance(args[1])

	case "tunnel":
		if len(args) < 2 {
			log.Fatal("Usage: loractl tunnel <instance-id> [remote-port]")
		}
		remotePort := 0
		if len(args) > 2 {
			fmt.Sscanf(args[2], "%d", &remotePort)
		}
		openTunnel(args[1], remotePort)

	case "tunnel-close":
		if len(args) < 2 {
			log.Fatal("Usage: loractl tunnel-close <instance-id>")
		}
		closeTunnel(args[1])

	case "train":
		if len(args) < 4 {
			log.Fatal("Usage: loractl train <instance-id> <dataset> <lora-name> [steps]")
		}
		steps := 0
		if len(args) > 4 {
			fmt.Sscanf(args[4], "%d", &steps)
		}
		createJob(args[1], args[2], args[3], steps)

	case "jobs":
		listJobs()

	case "job":
		if len(args) < 2 {
			log.Fatal("Usage: loractl job <job-id>")
		}
		showJob(args[1])

	case "watch":
		if len(args) < 2 {
			log.Fatal("Usage: loractl watch <job-id>")
		}
		watchJob(args[1])

	case "restart":
		if len(args) < 2 {
			log.Fatal("Usage: loractl restart <job-id>")
		}
		restartJob(args[1])

	case "datasets":
		listDatasets()

	case "dataset-files":
		if len(args) < 2 {
			log.Fatal("Usage: loractl dataset-files <name>")
		}
		listDatasetFiles(args[1])

	case "loras":
		listLoras()

	case "lora-url":
		if len(args) < 2 {
			log.Fatal("Usage: loractl lora-url <name>")
		}
		showLoraURL(args[1])

	case "delete":
		if len(args) < 3 {
			log.Fatal("Usage: loractl delete <job|dataset|lora> <id-or-name>")
		}
		deleteResource(args[1], args[2])

	case "stats":
		showStats()

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("LoRA Cloud CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  loractl [flags] <command> [args]")
	fmt.Println("\nFlags:")
	fmt.Println("  -api <url>           API URL (default: http://localhost:8080, or LORAD_API)")
	fmt.Println("  -dm, -debug-mode     Enable debug mode")
	fmt.Println("\nCommands:")
	fmt.Println("  offers [gpu-name]                          Search marketplace offers")
	fmt.Println("  instances                                  List rented instances")
	fmt.Println("  launch [gpu-name] [max-price]              Rent the cheapest matching offer")
	fmt.Println("  destroy <instance-id>                      Destroy a rented instance")
	fmt.Println("  tunnel <instance-id> [remote-port]         Open an SSH tunnel (default port: 8188)")
	fmt.Println("  tunnel-close <instance-id>                 Close the instance tunnel")
	fmt.Println("  train <instance-id> <dataset> <lora> [steps]")
	fmt.Println("                                             Start a LoRA training job")
	fmt.Println("  jobs                                       List training jobs")
	fmt.Println("  job <job-id>                               Show one training job")
	fmt.Println("  watch <job-id>                             Follow a job until it finishes")
	fmt.Println("  restart <job-id>                           Restart a finished job")
	fmt.Println("  datasets                                   List stored datasets")
	fmt.Println("  dataset-files <name>                       List files in a dataset")
	fmt.Println("  loras                                      List trained LoRA files")
	fmt.Println("  lora-url <name>                            Get a signed download URL")
	fmt.Println("  delete <job|dataset|lora> <id-or-name>     Delete a resource")
	fmt.Println("  stats                                      Show daemon statistics")
}

func listOffers(gpuName string) {
	url := fmt.Sprintf("%s/api/v1/offers", apiURL)
	if gpuName != "" {
		url = fmt.Sprintf("%s?gpu_name=%s", url, gpuName)
	}

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Offers []offer `json:"offers"`
		Count  int     `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No offers found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGPU\tCOUNT\tVRAM\tPRICE/HR\tVERIFIED\tLOCATION")
	fmt.Fprintln(w, "---\t---\t---\t---\t---\t---\t---")

	for _, o := range result.Offers {
		fmt.Fprintf(w, "%d\t%s\t%d\t%dGB\t$%.3f\t%t\t%s\n",
			o.ID, o.GPUName, o.NumGPUs, o.GPURAMMB/1024,
			o.PricePerHr, o.Verified, o.Geolocation)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d offers\n", result.Count)
}

func listInstances() {
	url := fmt.Sprintf("%s/api/v1/instances", apiURL)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Instances []instance `json:"instances"`
		Count     int        `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No instances rented")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tGPU\tCOUNT\tSSH\tPRICE/HR\tLABEL")
	fmt.Fprintln(w, "---\t---\t---\t---\t---\t---\t---")

	for _, inst := range result.Instances {
		ssh := "-"
		if inst.SSHHost != "" {
			ssh = fmt.Sprintf("%s:%d", inst.SSHHost, inst.SSHPort)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t$%.3f\t%s\n",
			inst.ID, inst.ActualStatus, inst.GPUName, inst.NumGPUs,
			ssh, inst.PricePerHr, inst.Label)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d instances\n", result.Count)
}

func launchInstance(gpuName string, maxPrice float64) {
	url := fmt.Sprintf("%s/api/v1/instances/launch", apiURL)

	filter := map[string]interface{}{}
	if gpuName != "" {
		filter["gpu_name"] = gpuName
	}
	if maxPrice > 0 {
		filter["max_price"] = maxPrice
	}

	if debugMode {
		log.Printf("POST %s", url)
		log.Printf("Filter: %+v", filter)
	}

	filterJSON, _ := json.Marshal(filter)
	resp, err := makeRequest("POST", url, filterJSON)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Instance launched\n")
	fmt.Printf("Instance ID: %v\n", result["instance_id"])
}

func destroyInstance(instanceID string) {
	url := fmt.Sprintf("%s/api/v1/instances/%s", apiURL, instanceID)

	if debugMode {
		log.Printf("DELETE %s", url)
	}

	resp, err := makeRequest("DELETE", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Instance %v destroyed\n", result["instance_id"])
}

func openTunnel(instanceID string, remotePort int) {
	url := fmt.Sprintf("%s/api/v1/instances/%s/tunnel", apiURL, instanceID)

	req := map[string]interface{}{}
	if remotePort > 0 {
		req["remote_port"] = remotePort
	}

	if debugMode {
		log.Printf("POST %s", url)
	}

	reqJSON, _ := json.Marshal(req)
	resp, err := makeRequest("POST", url, reqJSON)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Tunnel open\n")
	fmt.Printf("Local port:  %v\n", result["local_port"])
	fmt.Printf("Remote port: %v\n", result["remote_port"])
	fmt.Printf("URL:         %v\n", result["url"])
}

func closeTunnel(instanceID string) {
	url := fmt.Sprintf("%s/api/v1/instances/%s/tunnel", apiURL, instanceID)

	if debugMode {
		log.Printf("DELETE %s", url)
	}

	resp, err := makeRequest("DELETE", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Tunnel closed for instance %v\n", result["instance_id"])
}

func createJob(instanceID, dataset, loraName string, steps int) {
	url := fmt.Sprintf("%s/api/v1/training", apiURL)

	var id int64
	if _, err := fmt.Sscanf(instanceID, "%d", &id); err != nil {
		log.Fatalf("Invalid instance id: %s", instanceID)
	}

	req := map[string]interface{}{
		"instance_id":  id,
		"dataset_name": dataset,
		"lora_name":    loraName,
	}
	if steps > 0 {
		req["steps"] = steps
	}

	if debugMode {
		log.Printf("POST %s", url)
		log.Printf("Params: %+v", req)
	}

	reqJSON, _ := json.Marshal(req)
	resp, err := makeRequest("POST", url, reqJSON)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var job trainingJob
	if err := json.Unmarshal(resp, &job); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Training job created\n")
	fmt.Printf("Job ID:   %s\n", job.ID)
	fmt.Printf("LoRA:     %s\n", job.LoraName)
	fmt.Printf("Dataset:  %s\n", job.DatasetName)
	fmt.Printf("Steps:    %d\n", job.Steps)
	fmt.Printf("\nFollow it with: loractl watch %s\n", job.ID)
}

func listJobs() {
	url := fmt.Sprintf("%s/api/v1/training", apiURL)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Jobs  []trainingJob `json:"jobs"`
		Count int           `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No training jobs")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLORA\tDATASET\tINSTANCE\tSTATUS\tSTEP\tCREATED")
	fmt.Fprintln(w, "---\t---\t---\t---\t---\t---\t---")

	for _, job := range result.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\n",
			job.ID, job.LoraName, job.DatasetName, job.InstanceID,
			job.Status, job.CurrentStep, job.Steps, job.CreatedAt)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", result.Count)
}

func showJob(jobID string) {
	job, err := fetchJob(jobID)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("LoRA:       %s\n", job.LoraName)
	fmt.Printf("Dataset:    %s\n", job.DatasetName)
	fmt.Printf("Base model: %s\n", job.BaseModel)
	fmt.Printf("Instance:   %d\n", job.InstanceID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Step:       %d/%d\n", job.CurrentStep, job.Steps)
	if job.OutputPath != "" {
		fmt.Printf("Output:     %s\n", job.OutputPath)
	}
	if job.Error != "" {
		fmt.Printf("Error:      %s\n", job.Error)
	}
}

func watchJob(jobID string) {
	lastStatus := ""
	lastStep := -1

	for {
		job, err := fetchJob(jobID)
		if err != nil {
			log.Fatalf("Request failed: %v", err)
		}

		if job.Status != lastStatus || job.CurrentStep != lastStep {
			fmt.Printf("[%s] %s  step %d/%d\n",
				time.Now().Format("15:04:05"), job.Status, job.CurrentStep, job.Steps)
			lastStatus = job.Status
			lastStep = job.CurrentStep
		}

		if job.Status == "completed" {
			fmt.Printf("\nDone. Artifact: %s\n", job.OutputPath)
			return
		}
		if job.Status == "failed" {
			fmt.Printf("\nFailed: %s\n", job.Error)
			os.Exit(1)
		}

		time.Sleep(2 * time.Second)
	}
}

func restartJob(jobID string) {
	url := fmt.Sprintf("%s/api/v1/training/%s/restart", apiURL, jobID)

	if debugMode {
		log.Printf("POST %s", url)
	}

	resp, err := makeRequest("POST", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var job trainingJob
	if err := json.Unmarshal(resp, &job); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("Job %s restarted (status: %s)\n", job.ID, job.Status)
}

func fetchJob(jobID string) (*trainingJob, error) {
	url := fmt.Sprintf("%s/api/v1/training/%s", apiURL, jobID)

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	var job trainingJob
	if err := json.Unmarshal(resp, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

func listDatasets() {
	url := fmt.Sprintf("%s/api/v1/datasets", apiURL)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Datasets []datasetInfo `json:"datasets"`
		Count    int           `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No datasets stored")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFILES\tSIZE")
	fmt.Fprintln(w, "---\t---\t---")

	for _, d := range result.Datasets {
		fmt.Fprintf(w, "%s\t%d\t%s\n", d.Name, d.FileCount, formatBytes(d.TotalBytes))
	}

	w.Flush()
	fmt.Printf("\nTotal: %d datasets\n", result.Count)
}

func listDatasetFiles(name string) {
	url := fmt.Sprintf("%s/api/v1/datasets/%s/files", apiURL, name)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Dataset string        `json:"dataset"`
		Files   []datasetFile `json:"files"`
		Count   int           `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Printf("Dataset %s is empty\n", name)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tUPDATED")
	fmt.Fprintln(w, "---\t---\t---")

	for _, f := range result.Files {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, formatBytes(f.SizeBytes), f.UpdatedAt)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d files\n", result.Count)
}

func listLoras() {
	url := fmt.Sprintf("%s/api/v1/loras", apiURL)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result struct {
		Loras []loraArtifact `json:"loras"`
		Count int            `json:"count"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if result.Count == 0 {
		fmt.Println("No LoRA files stored")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tUPDATED")
	fmt.Fprintln(w, "---\t---\t---")

	for _, l := range result.Loras {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Name, formatBytes(l.SizeBytes), l.UpdatedAt)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d LoRA files\n", result.Count)
}

func showLoraURL(name string) {
	url := fmt.Sprintf("%s/api/v1/loras/%s/url", apiURL, name)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	fmt.Printf("%v\n", result["url"])
}

func deleteResource(kind, name string) {
	var url string
	switch kind {
	case "job":
		url = fmt.Sprintf("%s/api/v1/training/%s", apiURL, name)
	case "dataset":
		url = fmt.Sprintf("%s/api/v1/datasets/%s", apiURL, name)
	case "lora":
		url = fmt.Sprintf("%s/api/v1/loras/%s", apiURL, name)
	default:
		log.Fatalf("Unknown resource type: %s (want job, dataset, or lora)", kind)
	}

	if debugMode {
		log.Printf("DELETE %s", url)
	}

	if _, err := makeRequest("DELETE", url, nil); err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	fmt.Printf("Deleted %s %s\n", kind, name)
}

func showStats() {
	url := fmt.Sprintf("%s/api/v1/stats", apiURL)

	if debugMode {
		log.Printf("GET %s", url)
	}

	resp, err := makeRequest("GET", url, nil)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	pretty, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(pretty))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func makeRequest(method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewBuffer(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
